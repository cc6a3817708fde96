package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Client posts blobs to a roomsync server's upload endpoint.
type Client struct {
	ServerURL string
	MaxBytes  int64
	Timeout   time.Duration
}

type uploadResponse struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Upload sends r as the multipart field "file" and returns the stored URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Name: name, Err: err}
	}
	src := r
	if c.MaxBytes > 0 {
		src = io.LimitReader(r, c.MaxBytes+1)
	}
	content, err := io.ReadAll(src)
	if err != nil {
		return "", &Error{Name: name, Err: err}
	}
	if c.MaxBytes > 0 && int64(len(content)) > c.MaxBytes {
		return "", &Error{Name: name, Err: ErrTooLarge}
	}

	agent := fiber.Post(strings.TrimRight(c.ServerURL, "/") + "/api/upload")
	agent.FileData(&fiber.FormFile{Fieldname: "file", Name: name, Content: content}).MultipartForm(nil)
	timeout := c.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout > 0 {
		agent.Timeout(timeout)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", &Error{Name: name, Err: errors.Join(errs...)}
	}
	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Name: name, Err: fmt.Errorf("status %d: %w", code, err)}
	}
	if code != fiber.StatusCreated && code != fiber.StatusOK {
		return "", &Error{Name: name, Err: fmt.Errorf("status %d: %s", code, resp.Error)}
	}
	if resp.URL == "" {
		return "", &Error{Name: name, Err: errors.New("response has no url")}
	}
	return resp.URL, nil
}
