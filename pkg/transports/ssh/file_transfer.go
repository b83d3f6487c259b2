package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload writes content to remotePath via SFTP.
func (c *SSHClient) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	// Write to a sibling and rename so readers never see a partial file.
	tmpPath := remotePath + ".pilot-tmp"
	remoteFile, err := sftpClient.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote file: %w", err),
		}
	}

	written, copyErr := copyWithContext(ctx, remoteFile, bytes.NewReader(content))
	closeErr := remoteFile.Close()
	if copyErr != nil || closeErr != nil {
		_ = sftpClient.Remove(tmpPath)
		if copyErr == nil {
			copyErr = closeErr
		}
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write remote file: %w", copyErr),
			IsTemporary: true,
			IsTimeout:   ctx.Err() != nil,
		}
	}

	if err := sftpClient.Chmod(tmpPath, mode); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to set permissions: %w", err),
		}
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		_ = sftpClient.Remove(tmpPath)
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to move file into place: %w", err),
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote_path", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")

	return nil
}

// ReadFile returns the content of a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTimeout: ctx.Err() != nil}
	}
	return buf.Bytes(), nil
}

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies in chunks so a cancelled ctx stops a large transfer.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
