package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/dutchcoders/go-clamd"
)

// ErrInfected 表示上传内容被 ClamAV 判定为恶意文件。
var ErrInfected = errors.New("malicious file detected")

type virusScanner interface {
	Scan(r io.Reader) error
}

// ClamdScanner 通过 clamd 的 INSTREAM 命令扫描上传内容。
type ClamdScanner struct {
	client *clamd.Clamd
}

func NewClamdScanner(addr string) *ClamdScanner {
	return &ClamdScanner{client: clamd.NewClamd(addr)}
}

func (s *ClamdScanner) Scan(r io.Reader) error {
	abort := make(chan bool)
	defer close(abort)

	results, err := s.client.ScanStream(r, abort)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	for result := range results {
		switch result.Status {
		case clamd.RES_OK:
		case clamd.RES_FOUND:
			return fmt.Errorf("%w: %s", ErrInfected, result.Description)
		default:
			return fmt.Errorf("clamd returned %s: %s", result.Status, result.Description)
		}
	}
	return nil
}
