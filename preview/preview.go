// Package preview holds the latest composited frame and serves it to
// browsers as a still JPEG or an MJPEG stream.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
)

const DefaultQuality = 85

type Preview struct {
	quality int

	mu      sync.Mutex
	frame   image.Image
	seq     uint64
	wake    chan struct{}
	jpeg    []byte
	jpegSeq uint64
}

func New(quality int) *Preview {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Preview{quality: quality, wake: make(chan struct{})}
}

// Show publishes img and wakes every waiting stream.
func (p *Preview) Show(img image.Image) {
	p.mu.Lock()
	p.frame = img
	p.seq++
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// Latest returns the current frame and its sequence number; seq 0 means no
// frame has been shown yet.
func (p *Preview) Latest() (image.Image, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.seq
}

// Wait blocks until a frame newer than after is shown.
func (p *Preview) Wait(ctx context.Context, after uint64) (uint64, error) {
	for {
		p.mu.Lock()
		seq, wake := p.seq, p.wake
		p.mu.Unlock()
		if seq > after {
			return seq, nil
		}
		select {
		case <-ctx.Done():
			return seq, ctx.Err()
		case <-wake:
		}
	}
}

// JPEG encodes the current frame, reusing the last encoding when the frame
// has not changed.
func (p *Preview) JPEG() ([]byte, uint64, error) {
	p.mu.Lock()
	frame, seq := p.frame, p.seq
	if seq != 0 && seq == p.jpegSeq {
		data := p.jpeg
		p.mu.Unlock()
		return data, seq, nil
	}
	p.mu.Unlock()

	if frame == nil {
		return nil, 0, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, seq, fmt.Errorf("encode preview: %w", err)
	}

	p.mu.Lock()
	if seq > p.jpegSeq {
		p.jpeg, p.jpegSeq = buf.Bytes(), seq
	}
	p.mu.Unlock()
	return buf.Bytes(), seq, nil
}

// ServeJPEG writes the current frame.
func (p *Preview) ServeJPEG(w http.ResponseWriter, r *http.Request) {
	data, seq, err := p.JPEG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
	w.Write(data)
}

// ServeMJPEG streams frames as multipart/x-mixed-replace until the client
// disconnects.
func (p *Preview) ServeMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	var last uint64
	for {
		seq, err := p.Wait(ctx, last)
		if err != nil {
			return
		}
		data, got, err := p.JPEG()
		if err != nil {
			log.Printf("preview: %v", err)
			return
		}
		last = max(seq, got)
		if data == nil {
			continue
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(data); err != nil {
			return
		}
		flusher.Flush()
	}
}
