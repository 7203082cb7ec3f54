package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/faceguard/internal/imaging"
	"github.com/andresmejia3/faceguard/internal/types"
	"github.com/andresmejia3/faceguard/internal/utils" // Using the SafeCommand wrapper
)

// Request opcodes understood by python/face_worker.py
const (
	opDetect byte = 'D' // full-resolution detection with a confidence floor
	opLocate byte = 'L' // box localization for the embedding model
	opEncode byte = 'E' // one embedding per supplied box
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a garbage length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

var (
	// ErrWorkerBroken is returned once a worker has timed out or failed mid-call.
	ErrWorkerBroken = errors.New("face worker is in an unknown state")
	// ErrTimeout is returned when the worker does not answer within ReadTimeout.
	ErrTimeout = errors.New("face worker timed out")
)

// Config describes how to launch a worker process.
type Config struct {
	Command     string
	Args        []string
	ReadTimeout time.Duration
}

// DefaultConfig launches the bundled Python worker.
func DefaultConfig() Config {
	return Config{
		Command:     "python3",
		Args:        []string{"-u", "python/face_worker.py"},
		ReadTimeout: 60 * time.Second,
	}
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	broken  bool
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommandContext(ctx, cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Broken reports whether the worker must be discarded instead of reused.
func (w *PythonWorker) Broken() bool {
	return w.broken
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [Length][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call runs one request with the per-call deadline. Any failure leaves the
// pipe mid-frame, so the worker is marked broken.
func (w *PythonWorker) call(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if w.broken {
		return nil, ErrWorkerBroken
	}

	req := make([]byte, 0, len(payload)+1)
	req = append(req, op)
	req = append(req, payload...)

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.Communicate(req)
		done <- result{body, err}
	}()

	var timeout <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		w.broken = true
		return nil, ctx.Err()
	case <-timeout:
		w.broken = true
		return nil, ErrTimeout
	}
	if res.err != nil {
		w.broken = true
		return nil, res.err
	}
	return parseStatus(res.body)
}

// parseStatus strips the status byte and turns error frames into errors.
// Protocol: [Status:0][Body] or [Status:1][MsgLen][Msg]
func parseStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from python worker")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	return nil, fmt.Errorf("unknown status byte %d", resp[0])
}

// DetectFaces runs the full-resolution detector and returns every face at or
// above minConfidence.
func (w *PythonWorker) DetectFaces(ctx context.Context, img image.Image, minConfidence float64) ([]types.FaceResult, error) {
	raster, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, float32(minConfidence))
	payload.Write(raster)

	body, err := w.call(ctx, opDetect, payload.Bytes())
	if err != nil {
		return nil, err
	}
	return readFaces(body)
}

// LocateFaces returns face boxes in the geometry the embedding model expects.
func (w *PythonWorker) LocateFaces(ctx context.Context, img image.Image) ([]types.FaceResult, error) {
	raster, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	body, err := w.call(ctx, opLocate, raster)
	if err != nil {
		return nil, err
	}
	return readFaces(body)
}

// EncodeFaces computes one embedding per face box.
func (w *PythonWorker) EncodeFaces(ctx context.Context, img image.Image, faces []types.FaceResult) ([]types.Embedding, error) {
	raster, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		if len(f.Loc) != 4 {
			return nil, fmt.Errorf("face box has %d coordinates, expected 4", len(f.Loc))
		}
		binary.Write(payload, binary.BigEndian, [4]int32{int32(f.Loc[0]), int32(f.Loc[1]), int32(f.Loc[2]), int32(f.Loc[3])})
	}
	payload.Write(raster)

	body, err := w.call(ctx, opEncode, payload.Bytes())
	if err != nil {
		return nil, err
	}
	return readEmbeddings(body)
}

// readFaces decodes [NumFaces] followed by ([Box] [Score]) per face.
func readFaces(body []byte) ([]types.FaceResult, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	faces := make([]types.FaceResult, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("read score %d: %w", i, err)
		}
		faces = append(faces, types.FaceResult{
			Loc:   []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Score: float64(score),
		})
	}
	return faces, nil
}

// readEmbeddings decodes [NumVecs] followed by EmbeddingDim float32 values each.
func readEmbeddings(body []byte) ([]types.Embedding, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read embedding count: %w", err)
	}
	out := make([]types.Embedding, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw [types.EmbeddingDim]float32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("read embedding %d: %w", i, err)
		}
		vec := make(types.Embedding, types.EmbeddingDim)
		for j, v := range raw {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("embedding %d contains NaN", i)
			}
			vec[j] = float64(v)
		}
		out = append(out, vec)
	}
	return out, nil
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return
	}
	if w.broken && w.Cmd.Process != nil {
		// A stuck worker never sees EOF, so Wait would hang.
		w.Cmd.Process.Kill()
	}
	w.Cmd.Wait()
}
