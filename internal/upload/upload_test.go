package upload

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gofiber/fiber/v2"
)

func TestDiskStorePut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://localhost:3000/uploads/", 1024)
	assert.Equal(t, err, nil)

	url, err := s.Put(context.Background(), "cat.PNG", strings.NewReader("meow"))
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(url, "http://localhost:3000/uploads/"), true)
	assert.Equal(t, strings.HasSuffix(url, ".png"), true)

	stored, err := os.ReadFile(filepath.Join(dir, filepath.Base(url)))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(stored), "meow")
}

func TestDiskStoreDropsOddExtensions(t *testing.T) {
	assert.Equal(t, filepath.Ext(objectName("../../etc/passwd")), "")
	assert.Equal(t, filepath.Ext(objectName("x.tar.gz")), ".gz")
	assert.Equal(t, filepath.Ext(objectName("weird.p h p")), "")
}

func TestDiskStoreFailures(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "/uploads", 4)
	assert.Equal(t, err, nil)

	_, err = s.Put(context.Background(), "big.bin", bytes.NewReader(make([]byte, 5)))
	assert.Equal(t, errors.Is(err, ErrUploadFailure), true)
	assert.Equal(t, errors.Is(err, ErrTooLarge), true)

	_, err = s.Put(context.Background(), "empty.bin", bytes.NewReader(nil))
	assert.Equal(t, errors.Is(err, ErrEmpty), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, "a.txt", strings.NewReader("a"))
	assert.Equal(t, errors.Is(err, context.Canceled), true)

	entries, _ := os.ReadDir(dir)
	assert.Equal(t, len(entries), 0)
}

func serveUploads(t *testing.T, s Store) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/api/upload", func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing file"})
		}
		f, err := fh.Open()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		defer f.Close()
		url, err := s.Put(c.UserContext(), fh.Filename, f)
		if err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"url": url})
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func TestClientUpload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://cdn.test/uploads", 64)
	assert.Equal(t, err, nil)
	c := &Client{ServerURL: serveUploads(t, s), Timeout: 5 * time.Second}

	url, err := c.Upload(context.Background(), "photo.jpg", strings.NewReader("jpegbytes"))
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(url, "http://cdn.test/uploads/"), true)

	_, err = c.Upload(context.Background(), "big.jpg", bytes.NewReader(make([]byte, 100)))
	assert.Equal(t, errors.Is(err, ErrUploadFailure), true)
}

func TestClientUploadLocalLimit(t *testing.T) {
	c := &Client{ServerURL: "http://127.0.0.1:1", MaxBytes: 2}
	_, err := c.Upload(context.Background(), "x.bin", strings.NewReader("abc"))
	assert.Equal(t, errors.Is(err, ErrTooLarge), true)
}

func TestClientUploadUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	addr := ln.Addr().String()
	ln.Close()

	c := &Client{ServerURL: "http://" + addr, Timeout: time.Second}
	_, err = c.Upload(context.Background(), "x.bin", strings.NewReader("abc"))
	assert.Equal(t, errors.Is(err, ErrUploadFailure), true)
}
