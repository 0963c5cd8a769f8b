package transfer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/mamantoha/upload-io/compression"
	"github.com/mamantoha/upload-io/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ProcessFetchConfig(t *testing.T) {
	tests := []struct {
		name    string
		input   FetchInput
		want    fetchConfig
		wantErr bool
	}{
		{
			name: "Valid key input",
			input: FetchInput{
				Verbose: true,
				Keys:    []string{"valid-key"},
			},
			want: fetchConfig{
				Verbose:        true,
				Keys:           []string{"valid-key"},
				APIBaseURL:     "fake transfer service URL",
				APIAccessToken: "fake transfer service access token",
			},
			wantErr: false,
		},
		{
			name: "Valid key input with multiple keys",
			input: FetchInput{
				Verbose: true,
				Keys: []string{
					"valid-key",
					"valid-key-2",
				},
				ExtractTo: "/tmp/extract-here",
			},
			want: fetchConfig{
				Verbose:        true,
				Keys:           []string{"valid-key", "valid-key-2"},
				ExtractTo:      "/tmp/extract-here",
				APIBaseURL:     "fake transfer service URL",
				APIAccessToken: "fake transfer service access token",
			},
			wantErr: false,
		},
		{
			name: "Only empty keys",
			input: FetchInput{
				Keys: []string{"", ""},
			},
			want:    fetchConfig{},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			step := fetcher{
				logger: log.NewLogger(),
				envRepo: fakeEnvRepo{envVars: map[string]string{
					"UPLOADIO_SERVICE_URL":  "fake transfer service URL",
					"UPLOADIO_ACCESS_TOKEN": "fake transfer service access token",
				}},
			}

			processedConfig, err := step.createConfig(testCase.input)

			if (err != nil) != testCase.wantErr {
				t.Errorf("ProcessConfig() error = %v, wantErr %v", err, testCase.wantErr)
				return
			}
			if !reflect.DeepEqual(processedConfig, testCase.want) {
				t.Errorf("ProcessConfig() = %v, want %v", processedConfig, testCase.want)
			}
		})
	}
}

func Test_evaluateKeys(t *testing.T) {
	type args struct {
		keys    []string
		envRepo fakeEnvRepo
	}

	tests := []struct {
		name    string
		args    args
		want    []string
		wantErr bool
	}{
		{
			name: "Happy path",
			args: args{
				keys: []string{"assets-{{ .Branch }}"},
				envRepo: fakeEnvRepo{
					envVars: map[string]string{
						"UPLOADIO_PROJECT":  "media-pipeline",
						"UPLOADIO_BRANCH":   "main",
						"UPLOADIO_REVISION": "9de033412f24b70b59ca8392ccb9f61ac5af4cc3",
					},
				},
			},
			want:    []string{"assets-main"},
			wantErr: false,
		},
		{
			name: "Multiple keys",
			args: args{
				keys: []string{
					"assets-{{ .Branch }}",
					"assets-",
					"",
				},
				envRepo: fakeEnvRepo{
					envVars: map[string]string{
						"UPLOADIO_PROJECT":  "media-pipeline",
						"UPLOADIO_BRANCH":   "main",
						"UPLOADIO_REVISION": "9de033412f24b70b59ca8392ccb9f61ac5af4cc3",
					},
				},
			},
			want: []string{
				"assets-main",
				"assets-",
			},
			wantErr: false,
		},
		{
			name: "Empty environment variables",
			args: args{
				keys:    []string{"assets-{{ .Branch }}"},
				envRepo: fakeEnvRepo{},
			},
			want:    []string{"assets-"},
			wantErr: false,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			step := fetcher{
				logger:  log.NewLogger(),
				envRepo: testCase.args.envRepo,
			}

			evaluatedKeys, err := step.evaluateKeys(testCase.args.keys)
			if (err != nil) != testCase.wantErr {
				t.Errorf("evaluateKeys() error = %v, wantErr %v", err, testCase.wantErr)
				return
			}
			if !reflect.DeepEqual(evaluatedKeys, testCase.want) {
				t.Errorf("evaluateKeys() = %v, want %v", evaluatedKeys, testCase.want)
			}
		})
	}
}

func Test_exposeHit(t *testing.T) {
	tests := []struct {
		name string
		downloadResult
		wantEnvs []string
		wantErr  bool
	}{
		{
			name:           "no hit",
			downloadResult: downloadResult{},
			wantEnvs:       []string{},
			wantErr:        false,
		},
		{
			name: "exact hit",
			downloadResult: downloadResult{
				filePath:   "testdata/blob.bin",
				matchedKey: "my-blob-key",
			},
			wantEnvs: []string{
				"UPLOADIO_HIT__my-blob-key=a41b09aec1d530136502dafeaa5842613d0516e04e1db653432f851caa0eb666",
			},
		},
		{
			name: "missing file",
			downloadResult: downloadResult{
				filePath:   "testdata/no_such_file.bin",
				matchedKey: "my-blob-key",
			},
			wantEnvs: []string{},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envRepo := fakeEnvRepo{envVars: map[string]string{}}
			f := &fetcher{
				envRepo: envRepo,
				logger:  log.NewLogger(),
			}
			if err := f.exposeHit(tt.downloadResult); (err != nil) != tt.wantErr {
				t.Fatalf("exposeHit() error = %v, wantErr %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.wantEnvs, envRepo.List())
		})
	}
}

func TestFetch_NotFoundIsBenign(t *testing.T) {
	downloader := &fakeDownloader{err: network.ErrBlobNotFound}
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"UPLOADIO_SERVICE_URL":  "https://transfer.example.com",
		"UPLOADIO_ACCESS_TOKEN": "test-token",
	}}
	f := NewFetcher(envRepo, log.NewLogger(), downloader)

	err := f.Fetch(context.Background(), FetchInput{Keys: []string{"missing-key"}})
	require.NoError(t, err)

	for _, e := range envRepo.List() {
		assert.False(t, strings.HasPrefix(e, "UPLOADIO_HIT__"), "no hit should be exposed, got %s", e)
	}
}

func TestFetch_RoundTrip(t *testing.T) {
	logger := log.NewLogger()
	envRepo := fakeEnvRepo{envVars: map[string]string{
		"UPLOADIO_SERVICE_URL":  "https://transfer.example.com",
		"UPLOADIO_ACCESS_TOKEN": "test-token",
	}}

	// build a real archive for the fake downloader to serve
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "data.txt"), []byte("fetched content"), 0600))
	archivePath := filepath.Join(t.TempDir(), "payload.tzst")
	archiver := compression.NewArchiver(logger, envRepo, compression.NewDependencyChecker(logger, envRepo))
	require.NoError(t, archiver.Compress(archivePath, []string{srcDir}, 3, nil))
	content, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	downloader := &fakeDownloader{matchedKey: "assets-main", content: content}
	f := NewFetcher(envRepo, logger, downloader)

	extractTo := t.TempDir()
	err = f.Fetch(context.Background(), FetchInput{
		Keys:      []string{"assets-main"},
		ExtractTo: extractTo,
	})
	require.NoError(t, err)

	restored, err := os.ReadFile(filepath.Join(extractTo, srcDir, "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fetched content", string(restored))

	wantChecksum, err := checksumOfFile(archivePath)
	require.NoError(t, err)
	assert.Equal(t, wantChecksum, envRepo.Get("UPLOADIO_HIT__assets-main"))
}
