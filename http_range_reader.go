package subsampling

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// Default read-ahead window (256KB). Region decoders read small headers and
// then whole tiles, so a window of a few tiles avoids most round trips.
const defaultReadAheadSize = 256 * 1024

// NewDefaultHTTPClient returns the client used when none is supplied
func NewDefaultHTTPClient() *fasthttp.Client {
	return &fasthttp.Client{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type httpImageSource struct {
	url           string
	client        *fasthttp.Client
	readAheadSize int

	sizeMu sync.Mutex
	size   int64 // 0 until a HEAD request succeeds
}

// NewHTTPImageSource reads the image with HTTP range requests. Every stream
// (one per decoder handle) keeps its own position and read-ahead buffer.
func NewHTTPImageSource(url string, client *fasthttp.Client) ImageSource {
	if client == nil {
		client = NewDefaultHTTPClient()
	}
	return &httpImageSource{
		url:           url,
		client:        client,
		readAheadSize: defaultReadAheadSize,
	}
}

func (s *httpImageSource) Key() string { return s.url }

func (s *httpImageSource) OpenStream() (io.ReadSeekCloser, error) {
	size, err := s.contentSize()
	if err != nil {
		return nil, err
	}
	return &httpRangeReader{
		src:         s,
		size:        size,
		bufferStart: -1,
		bufferEnd:   -1,
	}, nil
}

// contentSize returns the remembered file size, asking the server until it
// answers. Failures are not remembered.
func (s *httpImageSource) contentSize() (int64, error) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	if s.size > 0 {
		return s.size, nil
	}
	size, err := s.contentLength()
	if err != nil {
		return 0, err
	}
	s.size = size
	return size, nil
}

// contentLength asks the server for the file size with a HEAD request
func (s *httpImageSource) contentLength() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodHead)

	if err := s.client.Do(req, resp); err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", s.url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return 0, fmt.Errorf("HEAD %s: unexpected status code %d", s.url, resp.StatusCode())
	}
	length := resp.Header.ContentLength()
	if length <= 0 {
		return 0, fmt.Errorf("HEAD %s: unknown content length", s.url)
	}
	return int64(length), nil
}

// fetchRange fetches bytes [start, end] from the server
func (s *httpImageSource) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := s.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.url, err)
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// Server ignored the range and sent the whole file.
		if int64(len(body)) <= start {
			return nil, nil
		}
		body = body[start:min(int64(len(body)), end+1)]
	default:
		return nil, fmt.Errorf("GET %s: unexpected status code %d", s.url, resp.StatusCode())
	}

	// The response body is released with the response.
	result := make([]byte, len(body))
	copy(result, body)
	return result, nil
}

// httpRangeReader is an io.ReadSeekCloser over one httpImageSource. It is not
// safe for concurrent use; decoder handles each own one.
type httpRangeReader struct {
	src  *httpImageSource
	size int64
	pos  int64

	buffer      []byte
	bufferStart int64
	bufferEnd   int64 // exclusive
	closed      bool
}

func (rr *httpRangeReader) Read(p []byte) (int, error) {
	if rr.closed {
		return 0, ErrSourceClosed
	}
	if rr.pos >= rr.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	toRead := int64(len(p))
	if rr.pos+toRead > rr.size {
		toRead = rr.size - rr.pos
	}

	if rr.pos >= rr.bufferStart && rr.pos < rr.bufferEnd {
		n := copy(p[:toRead], rr.buffer[rr.pos-rr.bufferStart:rr.bufferEnd-rr.bufferStart])
		rr.pos += int64(n)
		return n, nil
	}

	readSize := max(int64(rr.src.readAheadSize), toRead)
	if rr.pos+readSize > rr.size {
		readSize = rr.size - rr.pos
	}

	data, err := rr.src.fetchRange(rr.pos, rr.pos+readSize-1)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}

	rr.buffer = data
	rr.bufferStart = rr.pos
	rr.bufferEnd = rr.pos + int64(len(data))

	n := copy(p[:toRead], data)
	rr.pos += int64(n)
	return n, nil
}

func (rr *httpRangeReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}
	rr.pos = newPos
	return rr.pos, nil
}

func (rr *httpRangeReader) Close() error {
	rr.closed = true
	rr.buffer = nil
	rr.bufferStart = -1
	rr.bufferEnd = -1
	return nil
}
