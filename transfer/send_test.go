package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ProcessConfig(t *testing.T) {
	testdataAbsPath, err := filepath.Abs("testdata")
	if err != nil {
		t.Fatalf(err.Error())
	}

	tests := []struct {
		name    string
		input   SendInput
		want    sendConfig
		wantErr bool
	}{
		{
			name: "Invalid key input",
			input: SendInput{
				Verbose: false,
				Key:     "  ",
				Paths:   []string{"/dev/null"},
			},
			want:    sendConfig{},
			wantErr: true,
		},
		{
			name: "Invalid compression level",
			input: SendInput{
				Key:              "blob-key",
				Paths:            []string{"testdata/blob.bin"},
				CompressionLevel: 20,
			},
			want:    sendConfig{},
			wantErr: true,
		},
		{
			name: "Negative max speed",
			input: SendInput{
				Key:          "blob-key",
				Paths:        []string{"testdata/blob.bin"},
				MaxSpeedKBps: -1,
			},
			want:    sendConfig{},
			wantErr: true,
		},
		{
			name: "Single file path",
			input: SendInput{
				Verbose: false,
				Key:     "blob-key",
				Paths:   []string{"testdata/blob.bin"},
			},
			want: sendConfig{
				Verbose:          false,
				Key:              "blob-key",
				Paths:            []string{filepath.Join(testdataAbsPath, "blob.bin")},
				CompressionLevel: 3,
				APIBaseURL:       "fake transfer service URL",
				APIAccessToken:   "fake transfer service access token",
			},
			wantErr: false,
		},
		{
			name: "Multiple file paths with wildcards",
			input: SendInput{
				Verbose: false,
				Key:     "blob-key",
				Paths: []string{
					"testdata/blob.bin",
					"testdata/**/nested_*.txt",
				},
			},
			want: sendConfig{
				Verbose: false,
				Key:     "blob-key",
				Paths: []string{
					filepath.Join(testdataAbsPath, "blob.bin"),
					filepath.Join(testdataAbsPath, "subfolder", "nested_file.txt"),
				},
				CompressionLevel: 3,
				APIBaseURL:       "fake transfer service URL",
				APIAccessToken:   "fake transfer service access token",
			},
			wantErr: false,
		},
		{
			name: "Nonexistent path is skipped",
			input: SendInput{
				Key:          "blob-key",
				Paths:        []string{"testdata/blob.bin", "testdata/no_such_file.txt"},
				MaxSpeedKBps: 512,
				ShowProgress: true,
			},
			want: sendConfig{
				Key:              "blob-key",
				Paths:            []string{filepath.Join(testdataAbsPath, "blob.bin")},
				CompressionLevel: 3,
				MaxSpeedKBps:     512,
				ShowProgress:     true,
				APIBaseURL:       "fake transfer service URL",
				APIAccessToken:   "fake transfer service access token",
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := sender{
				logger:       log.NewLogger(),
				pathChecker:  pathutil.NewPathChecker(),
				pathProvider: pathutil.NewPathProvider(),
				pathModifier: pathutil.NewPathModifier(),
				envRepo: fakeEnvRepo{envVars: map[string]string{
					"UPLOADIO_SERVICE_URL":  "fake transfer service URL",
					"UPLOADIO_ACCESS_TOKEN": "fake transfer service access token",
				}},
			}
			got, err := step.createConfig(context.Background(), tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ProcessConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ProcessConfig() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_evaluateKey(t *testing.T) {
	type args struct {
		keyTemplate string
		envRepo     fakeEnvRepo
	}
	tests := []struct {
		name    string
		args    args
		want    string
		wantErr bool
	}{
		{
			name: "Happy path",
			args: args{
				keyTemplate: "assets-{{ .Branch }}",
				envRepo: fakeEnvRepo{envVars: map[string]string{
					"UPLOADIO_PROJECT":  "media-pipeline",
					"UPLOADIO_BRANCH":   "main",
					"UPLOADIO_REVISION": "9de033412f24b70b59ca8392ccb9f61ac5af4cc3",
				}},
			},
			want:    "assets-main",
			wantErr: false,
		},
		{
			name: "Empty env vars",
			args: args{
				keyTemplate: "assets-{{ .Branch }}",
				envRepo:     fakeEnvRepo{},
			},
			want:    "assets-",
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := sender{
				logger:      log.NewLogger(),
				pathChecker: pathutil.NewPathChecker(),
				envRepo:     tt.args.envRepo,
			}
			got, err := step.evaluateKey(tt.args.keyTemplate)
			if (err != nil) != tt.wantErr {
				t.Errorf("evaluateKey() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("evaluateKey() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_evaluatePaths_RemoteReference(t *testing.T) {
	payload := []byte("remote payload bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payload.bin" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(payload)
		require.NoError(t, err)
	}))
	defer server.Close()

	localFile, err := filepath.Abs(filepath.Join("testdata", "blob.bin"))
	require.NoError(t, err)

	step := sender{
		logger:       log.NewLogger(),
		pathChecker:  pathutil.NewPathChecker(),
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		envRepo:      fakeEnvRepo{},
	}

	got, err := step.evaluatePaths(context.Background(), []string{
		server.URL + "/payload.bin",
		"file://" + localFile,
		server.URL + "/missing.bin",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	content, err := os.ReadFile(got[0])
	require.NoError(t, err)
	assert.Equal(t, payload, content)
	assert.Contains(t, got[0], "payload.bin")

	assert.Equal(t, localFile, got[1])
}

func TestSend_UploadsArchive(t *testing.T) {
	uploader := &fakeUploader{}
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"UPLOADIO_SERVICE_URL":  "https://transfer.example.com",
		"UPLOADIO_ACCESS_TOKEN": "test-token",
	}}
	s := NewSender(
		envRepo,
		log.NewLogger(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		uploader)

	err := s.Send(context.Background(), SendInput{
		Key:          "test-key-{{ .OS }}",
		Paths:        []string{"testdata/blob.bin"},
		IsKeyUnique:  true,
		MaxSpeedKBps: 512,
	})
	require.NoError(t, err)
	require.Len(t, uploader.uploads, 1)

	params := uploader.uploads[0]
	assert.Equal(t, "test-key-"+runtime.GOOS, params.Key)
	assert.Equal(t, "https://transfer.example.com", params.APIBaseURL)
	assert.Equal(t, "test-token", params.Token)
	assert.Equal(t, int64(512*1024), params.MaxSpeed)
	assert.NotZero(t, params.BlobSize)

	sum, err := checksumOfFile(params.BlobPath)
	require.NoError(t, err)
	assert.Equal(t, sum, params.Sha256Sum)
}

func TestSend_SkipsWhenUniqueKeyAlreadyFetched(t *testing.T) {
	uploader := &fakeUploader{}
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"UPLOADIO_SERVICE_URL":                   "https://transfer.example.com",
		"UPLOADIO_ACCESS_TOKEN":                  "test-token",
		"UPLOADIO_HIT__test-key-" + runtime.GOOS: "9a30a503b2862c51c3c5acd7fbce2f1f784cf4658ccf8e87d5023a90c21c0714",
	}}
	s := NewSender(
		envRepo,
		log.NewLogger(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		uploader)

	err := s.Send(context.Background(), SendInput{
		Key:         "test-key-{{ .OS }}",
		Paths:       []string{"testdata/blob.bin"},
		IsKeyUnique: true,
	})
	require.NoError(t, err)
	assert.Empty(t, uploader.uploads)
}
