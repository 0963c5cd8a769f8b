package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/mamantoha/upload-io/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type fakeUploader struct {
	uploads []network.UploadParams
}

func (u *fakeUploader) Upload(_ context.Context, params network.UploadParams, _ log.Logger) error {
	u.uploads = append(u.uploads, params)
	return nil
}

// fakeDownloader writes content to the requested download path, or fails with err.
type fakeDownloader struct {
	matchedKey string
	content    []byte
	err        error
}

func (d *fakeDownloader) Download(_ context.Context, params network.DownloadParams, _ log.Logger) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	if err := os.WriteFile(params.DownloadPath, d.content, 0600); err != nil {
		return "", err
	}
	return d.matchedKey, nil
}
