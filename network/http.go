package network

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

type StatusError struct {
	Url        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status code %d", e.Url, e.StatusCode)
}

//go:generate mockgen -source network/http.go -destination=tests/mock/network/http.go -package=mock
type Http interface {
	// Get executes the request and returns the body. Non 2xx responses return a *StatusError.
	Get(req *http.Request) ([]byte, error)
}

type DefaultHttp struct {
	client *http.Client
}

func NewHttp() Http {
	return &DefaultHttp{
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

func (d *DefaultHttp) Get(req *http.Request) ([]byte, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Url: req.URL.String(), StatusCode: resp.StatusCode}
	}

	return buf, nil
}
