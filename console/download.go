package console

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MinChunkSizeKB is the smallest chunk DownloadFile will request.
const MinChunkSizeKB = 128

var (
	ErrEmptyPath    = errors.New("remote path is empty")
	ErrHashNotFound = errors.New("remote sha256 not found in output")
	ErrInvalidChunk = errors.New("chunk is not valid base64")
	ErrIntegrity    = errors.New("sha256 mismatch")
	ErrTimeout      = errors.New("timeout waiting for prompt")
)

var sha256Hex = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)

// transfer is the state of one download.
type transfer struct {
	path      string
	expected  string
	hash      hash.Hash
	index     int
	chunkSize int
	written   int64
}

// DownloadFile copies remotePath into w. The remote sha256 is read first,
// then the file is pulled chunkSizeKB at a time as base64 and hashed as it
// is written. Only one chunk is held in memory. On failure, whatever was
// already written to w stays there and must be discarded by the caller.
func (c *Client) DownloadFile(ctx context.Context, remotePath string, w io.Writer, chunkSizeKB int, timeout time.Duration) (err error) {
	if strings.TrimSpace(remotePath) == "" {
		return ErrEmptyPath
	}
	if chunkSizeKB < MinChunkSizeKB {
		chunkSizeKB = MinChunkSizeKB
	}

	log := c.log.WithField("path", remotePath)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("download %s: unexpected failure: %v", remotePath, r)
		}
		if err != nil {
			log.WithError(err).Warn("download failed")
			c.metrics.downloads.WithLabelValues("error").Inc()
			return
		}
		log.WithField("elapsed", time.Since(start)).Info("download complete")
		c.metrics.downloads.WithLabelValues("ok").Inc()
	}()

	if _, err := c.readyConn(); err != nil {
		return err
	}

	expected, err := c.remoteSHA256(ctx, remotePath, timeout)
	if err != nil {
		return err
	}

	t := &transfer{
		path:      remotePath,
		expected:  expected,
		hash:      sha256.New(),
		chunkSize: chunkSizeKB * 1024,
	}
	if err := c.pullChunks(ctx, t, w, timeout); err != nil {
		return err
	}

	actual := hex.EncodeToString(t.hash.Sum(nil))
	if !strings.EqualFold(actual, t.expected) {
		return fmt.Errorf("%w: remote %s, local %s", ErrIntegrity, t.expected, actual)
	}
	log.WithField("bytes", t.written).WithField("chunks", t.index).Debug("sha256 verified")
	return nil
}

func (c *Client) remoteSHA256(ctx context.Context, remotePath string, timeout time.Duration) (string, error) {
	c.buf.Clear()
	if err := c.SendCommand(ctx, "sha256sum "+shellQuote(remotePath)); err != nil {
		return "", err
	}
	if !c.WaitForPrompt(ctx, timeout) {
		return "", fmt.Errorf("%w: sha256sum %s", ErrTimeout, remotePath)
	}

	out := cleanText(outputSpan(c.buf.Snapshot()))
	sum := sha256Hex.FindString(out)
	if sum == "" {
		out = strings.TrimSpace(out)
		if out == "" {
			return "", fmt.Errorf("%w: no output", ErrHashNotFound)
		}
		return "", fmt.Errorf("%w: %s", ErrHashNotFound, firstLine(out))
	}
	return sum, nil
}

// pullChunks requests chunks until the remote returns an empty or short
// one. A file of k*chunkSize+r bytes takes k+1 requests.
func (c *Client) pullChunks(ctx context.Context, t *transfer, w io.Writer, timeout time.Duration) error {
	quoted := shellQuote(t.path)
	for {
		c.buf.Clear()
		cmd := fmt.Sprintf("dd if=%s bs=%d skip=%d count=1 2>/dev/null | base64 -w0; echo", quoted, t.chunkSize, t.index)
		if err := c.SendCommand(ctx, cmd); err != nil {
			return err
		}
		c.metrics.downloadChunks.Inc()
		if !c.WaitForPrompt(ctx, timeout) {
			return fmt.Errorf("%w: chunk %d", ErrTimeout, t.index)
		}

		payload := strings.Join(strings.Fields(cleanText(outputSpan(c.buf.Snapshot()))), "")
		if payload == "" {
			return nil
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrInvalidChunk, t.index, err)
		}
		if len(data) == 0 {
			return nil
		}

		t.hash.Write(data)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write chunk %d: %w", t.index, err)
		}
		t.written += int64(len(data))
		c.metrics.downloadBytes.Add(float64(len(data)))
		t.index++

		if len(data) < t.chunkSize {
			return nil
		}
	}
}

// DownloadToFile downloads remotePath into localPath. The data goes to a
// temporary file next to localPath that is renamed only after the hash has
// been verified.
func (c *Client) DownloadToFile(ctx context.Context, remotePath, localPath string, chunkSizeKB int, timeout time.Duration) error {
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := c.DownloadFile(ctx, remotePath, tmp, chunkSizeKB, timeout); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
