package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// SendFile copies r to remotePath over SFTP, creating missing directories and
// replacing any existing file.
func (i *Interaction) SendFile(ctx context.Context, r io.Reader, remotePath string) error {
	startTime := time.Now()
	target := sftpPath(remotePath)

	client, err := i.connect(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return temporary("send-file", fmt.Errorf("failed to create SFTP client: %w", err))
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(target)); err != nil {
		return permanent("send-file", fmt.Errorf("failed to create remote directory: %w", err))
	}

	remoteFile, err := sftpClient.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return temporary("send-file", fmt.Errorf("failed to create remote file: %w", err))
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, r)
	if err != nil {
		return temporary("send-file", fmt.Errorf("failed to copy file: %w", err))
	}
	if err := remoteFile.Close(); err != nil {
		return temporary("send-file", fmt.Errorf("failed to close remote file: %w", err))
	}

	i.logger.Debug().
		Str("remote", target).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("File sent")
	return nil
}

// sftpPath converts a guest path to the form expected by SFTP servers.
// Windows paths such as C:\Users\a.exe become /C:/Users/a.exe.
func sftpPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
