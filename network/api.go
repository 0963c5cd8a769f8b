package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/mamantoha/upload-io/uploadio"
)

const maxKeyLength = 512
const maxKeyCount = 8

type prepareUploadRequest struct {
	Key             string `json:"key"`
	BlobFileName    string `json:"blob_filename"`
	BlobContentType string `json:"blob_content_type"`
	BlobSizeInBytes int64  `json:"blob_size_in_bytes"`
	Sha256Sum       string `json:"sha256_sum,omitempty"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	Etags      []string `json:"etags"`
}

type uploadURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type prepareUploadResponse struct {
	ID                       string      `json:"id"`
	UploadURLs               []uploadURL `json:"urls"`
	UploadChunkSizeBytes     int64       `json:"chunk_size_bytes"`
	UploadChunkCount         int         `json:"chunk_count"`
	UploadLastChunkSizeBytes int64       `json:"last_chunk_size_bytes"`
}

type acknowledgeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type resolveResponse struct {
	URL        string `json:"url"`
	MatchedKey string `json:"matched_key"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) prepareUpload(requestBody prepareUploadRequest) (prepareUploadResponse, error) {
	url := fmt.Sprintf("%s/uploads", c.baseURL)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return prepareUploadResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return prepareUploadResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return prepareUploadResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return prepareUploadResponse{}, unwrapError(resp)
	}

	var response prepareUploadResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return prepareUploadResponse{}, err
	}

	return response, nil
}

// uploadBlob sends the whole payload through a single request. The reader is
// handed to the retrying client as a rewindable body: every attempt starts
// with a Reset, so a retried request does not replay a half-drained reader.
func (c apiClient) uploadBlob(dest uploadURL, reader *uploadio.Reader, size int64) (string, error) {
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		if err := reader.Reset(); err != nil {
			return nil, fmt.Errorf("rewind upload body: %w", err)
		}
		// The HTTP transport closes request bodies, and closing a Reader
		// retires it. Hand out a Read-only view so later attempts can still
		// rewind.
		return struct{ io.Reader }{reader}, nil
	})

	req, err := retryablehttp.NewRequest(dest.Method, dest.URL, body)
	if err != nil {
		return "", err
	}
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}

	// Add Content-Length header manually because retryablehttp can't infer it from the body
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unwrapError(resp)
	}

	return resp.Header.Get("ETag"), nil
}

func (c apiClient) acknowledgeUpload(successful bool, uploadID string, partTags []string) (acknowledgeResponse, error) {
	url := fmt.Sprintf("%s/uploads/%s/acknowledge", c.baseURL, uploadID)

	body, err := json.Marshal(acknowledgeRequest{
		Successful: successful,
		Etags:      partTags,
	})
	if err != nil {
		return acknowledgeResponse{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPatch, url, body)
	if err != nil {
		return acknowledgeResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return acknowledgeResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return acknowledgeResponse{}, unwrapError(resp)
	}

	var response acknowledgeResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return acknowledgeResponse{}, err
	}
	return response, nil
}

func (c apiClient) resolveDownload(keys []string) (resolveResponse, error) {
	keysInQuery, err := validateKeys(keys)
	if err != nil {
		return resolveResponse{}, err
	}
	apiURL := fmt.Sprintf("%s/resolve?keys=%s", c.baseURL, keysInQuery)

	req, err := retryablehttp.NewRequest(http.MethodGet, apiURL, nil)
	if err != nil {
		return resolveResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resolveResponse{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return resolveResponse{}, ErrBlobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return resolveResponse{}, unwrapError(resp)
	}

	var response resolveResponse
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return resolveResponse{}, err
	}

	return response, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

func validateKeys(keys []string) (string, error) {
	if len(keys) > maxKeyCount {
		return "", fmt.Errorf("maximum number of keys is %d, %d provided", maxKeyCount, len(keys))
	}
	truncatedKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.Contains(key, ",") {
			return "", fmt.Errorf("commas are not allowed in keys (invalid key: %s)", key)
		}
		if len(key) > maxKeyLength {
			truncatedKeys = append(truncatedKeys, key[:maxKeyLength])
		} else {
			truncatedKeys = append(truncatedKeys, key)
		}
	}

	return url.QueryEscape(strings.Join(truncatedKeys, ",")), nil
}
