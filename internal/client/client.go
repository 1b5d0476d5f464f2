// Package client uploads files to a dropit server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Result is the server's answer to a successful upload.
type Result struct {
	ID                 string    `json:"id"`
	ShortAlias         string    `json:"short_alias"`
	LongAlias          string    `json:"long_alias"`
	ShortURL           string    `json:"short_url"`
	LongURL            string    `json:"long_url"`
	AdminToken         string    `json:"admin_token"`
	ExpiresAt          time.Time `json:"expires_at"`
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	DownloadsRemaining *int      `json:"downloads_remaining"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to one dropit server.
type Client struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
	}
}

// Push uploads file. A downloads value above zero limits how often the
// upload may be fetched.
func (c *Client) Push(ctx context.Context, file LocalFile, downloads int) (*Result, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, filepath.Base(file.Path), f, downloads))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

func writeForm(mw *multipart.Writer, name string, data io.Reader, downloads int) error {
	if downloads > 0 {
		if err := mw.WriteField("downloads", strconv.Itoa(downloads)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, data); err != nil {
		return err
	}
	return mw.Close()
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Reason = body.Reason
	}
	return apiErr
}
