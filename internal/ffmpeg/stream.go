package ffmpeg

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
)

// stream reads fixed-size RGB24 frames from a decoder pipe.
type stream struct {
	r      io.Reader
	width  int
	height int
	buf    []byte

	wait func() error // reaps the process; nil when there is none
	kill func()

	once    sync.Once
	waitErr error
	done    bool
}

func newStream(r io.Reader, width, height int) *stream {
	return &stream{
		r:      r,
		width:  width,
		height: height,
		buf:    make([]byte, width*height*3),
	}
}

// Next returns the next frame, or io.EOF at a clean end of stream. A decoder
// that exits with an error after its last frame surfaces that error instead.
func (s *stream) Next() (image.Image, error) {
	if s.done {
		return nil, io.EOF
	}

	_, err := io.ReadFull(s.r, s.buf)
	if err == io.EOF {
		s.done = true
		if werr := s.reap(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		s.done = true
		if werr := s.reap(); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("truncated frame: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	return s.toImage(), nil
}

// Close stops the decoder if it is still running and releases it.
func (s *stream) Close() error {
	if !s.done && s.kill != nil {
		s.kill()
	}
	s.done = true
	s.reap()
	return nil
}

func (s *stream) reap() error {
	s.once.Do(func() {
		if s.wait != nil {
			s.waitErr = s.wait()
		}
	})
	return s.waitErr
}

func (s *stream) toImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for src, dst := 0, 0; src < len(s.buf); src, dst = src+3, dst+4 {
		img.Pix[dst] = s.buf[src]
		img.Pix[dst+1] = s.buf[src+1]
		img.Pix[dst+2] = s.buf[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img
}
