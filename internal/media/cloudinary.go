package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const cloudinaryAPI = "https://api.cloudinary.com/v1_1"

// CloudinaryStore uploads images to Cloudinary using their REST API.
type CloudinaryStore struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	Endpoint  string
	HTTP      *http.Client
	Now       func() time.Time
}

// NewCloudinaryStore creates a Cloudinary-backed store.
func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string) *CloudinaryStore {
	return &CloudinaryStore{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		Endpoint:  cloudinaryAPI,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Now:       time.Now,
	}
}

type uploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
}

type destroyResult struct {
	Result string `json:"result"`
}

// Save uploads raw image bytes.
func (c *CloudinaryStore) Save(ctx context.Context, name, _ string, data []byte) (Object, error) {
	params := c.signedParams(map[string]string{"folder": c.Folder})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return Object{}, fmt.Errorf("cloudinary: create form file failed: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		return Object{}, fmt.Errorf("cloudinary: write file failed: %w", err)
	}
	w.Close()

	var res uploadResult
	if err := c.post(ctx, "upload", w.FormDataContentType(), &buf, &res); err != nil {
		return Object{}, err
	}
	url := res.SecureURL
	if url == "" {
		url = res.URL
	}
	return Object{URL: url, Key: res.PublicID}, nil
}

// Delete destroys the image with public id key. An unknown id is not an error.
func (c *CloudinaryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	params := c.signedParams(map[string]string{"public_id": key})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		_ = w.WriteField(k, v)
	}
	w.Close()

	var res destroyResult
	if err := c.post(ctx, "destroy", w.FormDataContentType(), &buf, &res); err != nil {
		return err
	}
	if res.Result != "ok" && res.Result != "not found" {
		return fmt.Errorf("cloudinary: destroy %s: %s", key, res.Result)
	}
	return nil
}

func (c *CloudinaryStore) signedParams(extra map[string]string) map[string]string {
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.Now().Unix(), 10),
		"api_key":   c.APIKey,
	}
	for k, v := range extra {
		if v != "" {
			params[k] = v
		}
	}
	params["signature"] = c.sign(params)
	return params
}

func (c *CloudinaryStore) post(ctx context.Context, action, contentType string, body io.Reader, out any) error {
	url := fmt.Sprintf("%s/%s/image/%s", strings.TrimRight(c.Endpoint, "/"), c.CloudName, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("cloudinary: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cloudinary: %s failed (%d): %s", action, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cloudinary: decode response failed: %w", err)
	}
	return nil
}

// sign computes the API signature; api_key, file and resource_type are excluded.
func (c *CloudinaryStore) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true, "resource_type": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	h := sha1.New()
	h.Write([]byte(strings.Join(pairs, "&") + c.APISecret))
	return fmt.Sprintf("%x", h.Sum(nil))
}
