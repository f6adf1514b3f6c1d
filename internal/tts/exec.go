package tts

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// maxExecLine bounds one response line; longer lines fail the utterance.
var maxExecLine = 32 << 20

const (
	stderrTail    = 4 << 10
	execWaitDelay = 2 * time.Second
)

// execEngine runs one helper process per utterance. The helper receives the
// model paths as flags and a JSON request on stdin, and answers with one JSON
// object per chunk on stdout.
type execEngine struct {
	cmd    []string
	paths  ModelPaths
	voice  Voice
	proc   *exec.Cmd
	lines  *bufio.Scanner
	stderr tailBuffer
	buf    []float32
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) Reset() { t.buf = t.buf[:0] }

func (t *tailBuffer) String() string { return string(t.buf) }

type execRequest struct {
	Text        string  `json:"text"`
	SpeakerID   int     `json:"speaker_id"`
	LengthScale float32 `json:"length_scale"`
	NoiseScale  float32 `json:"noise_scale"`
	NoiseWScale float32 `json:"noise_w_scale"`
}

type execResponse struct {
	Samples    string  `json:"samples"`
	SampleRate int     `json:"sample_rate"`
	IsLast     bool    `json:"is_last"`
	Phonemes   string  `json:"phonemes"`
	PhonemeIDs []int32 `json:"phoneme_ids"`
	Alignments []int32 `json:"alignments"`
	Error      string  `json:"error"`
}

// NewExecLoader returns a Loader that drives command as the engine helper.
func NewExecLoader(command string) Loader {
	return func(paths ModelPaths) (Engine, error) {
		parser := shellwords.NewParser()
		args, err := parser.Parse(command)
		if err != nil {
			return nil, &Error{Kind: ErrConstruction, Op: "load", Err: fmt.Errorf("parse tts command: %w", err)}
		}
		if len(args) == 0 {
			return nil, &Error{Kind: ErrConstruction, Op: "load", Err: errors.New("tts command empty")}
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, &Error{Kind: ErrConstruction, Op: "load", Err: fmt.Errorf("tts command: %w", err)}
		}
		voice, resolved, err := LoadVoice(paths)
		if err != nil {
			return nil, err
		}
		return &execEngine{cmd: args, paths: resolved, voice: voice, stderr: tailBuffer{max: stderrTail}}, nil
	}
}

func (e *execEngine) DefaultOptions() Options { return e.voice.DefaultOptions() }

func (e *execEngine) SampleRate() int { return e.voice.SampleRateOrDefault() }

func (e *execEngine) Start(text string, opts Options) error {
	if err := e.voice.CheckSpeaker(opts.SpeakerID); err != nil {
		return err
	}
	payload, err := json.Marshal(execRequest{
		Text:        text,
		SpeakerID:   opts.SpeakerID,
		LengthScale: opts.LengthScale,
		NoiseScale:  opts.NoiseScale,
		NoiseWScale: opts.NoiseWScale,
	})
	if err != nil {
		return err
	}
	e.Cancel()

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--model", e.paths.Model,
		"--config", e.paths.Config,
		"--espeak-data", e.paths.PhonemizerData,
	)
	cmd := exec.Command(e.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	e.stderr.Reset()
	cmd.Stderr = &e.stderr
	// Descendants of the helper may hold its pipes open after it is killed.
	cmd.WaitDelay = execWaitDelay
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("write tts request: %w", err)
	}
	stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxExecLine)), maxExecLine)
	e.proc = cmd
	e.lines = scanner
	return nil
}

func (e *execEngine) Next() (Chunk, error) {
	if e.proc == nil {
		return Chunk{}, errors.New("no utterance in progress")
	}
	for e.lines.Scan() {
		line := bytes.TrimSpace(e.lines.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			e.Cancel()
			return Chunk{}, fmt.Errorf("decode tts response: %w", err)
		}
		if resp.Error != "" {
			e.Cancel()
			return Chunk{}, errors.New(resp.Error)
		}
		return e.decode(resp)
	}

	if err := e.lines.Err(); err != nil {
		// The helper may still be blocked writing the rest of the line.
		e.Cancel()
		return Chunk{}, fmt.Errorf("read tts output: %w", err)
	}
	waitErr := e.proc.Wait()
	e.proc, e.lines = nil, nil
	if waitErr != nil {
		return Chunk{}, fmt.Errorf("tts command failed: %w: %s", waitErr, strings.TrimSpace(e.stderr.String()))
	}
	return Chunk{}, io.EOF
}

func (e *execEngine) decode(resp execResponse) (Chunk, error) {
	raw, err := base64.StdEncoding.DecodeString(resp.Samples)
	if err != nil {
		e.Cancel()
		return Chunk{}, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		e.Cancel()
		return Chunk{}, fmt.Errorf("samples payload not aligned: %d bytes", len(raw))
	}
	n := len(raw) / 4
	if cap(e.buf) < n {
		e.buf = make([]float32, n)
	}
	e.buf = e.buf[:n]
	for i := range e.buf {
		e.buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	rate := resp.SampleRate
	if rate <= 0 {
		rate = e.voice.SampleRateOrDefault()
	}
	chunk := Chunk{
		Samples:    e.buf,
		SampleRate: rate,
		IsLast:     resp.IsLast,
		PhonemeIDs: resp.PhonemeIDs,
		Alignments: resp.Alignments,
	}
	if resp.Phonemes != "" {
		chunk.Phonemes = []rune(resp.Phonemes)
	}
	return chunk, nil
}

// Cancel kills the helper for the utterance in progress, if any.
func (e *execEngine) Cancel() {
	if e.proc == nil {
		return
	}
	if e.proc.Process != nil {
		_ = e.proc.Process.Kill()
	}
	_ = e.proc.Wait()
	e.proc, e.lines = nil, nil
}

func (e *execEngine) Close() error {
	e.Cancel()
	return nil
}
