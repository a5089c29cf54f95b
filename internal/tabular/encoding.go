package tabular

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const defaultEncoding = "utf-8"

// sampleSize bounds the bytes handed to the encoding detector.
const sampleSize = 64 << 10

var errUndecodable = errors.New("undecodable bytes")

// decodeError reports where in the raw input decoding failed.
type decodeError struct {
	encoding string
	offset   int64
	err      error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("invalid %s text near byte %d: %v", e.encoding, e.offset, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// textReader decodes raw bytes to UTF-8 while they are read.
type textReader struct {
	raw      *countingReader
	decoded  io.Reader
	encoding string
}

func newTextReader(src io.Reader, name string) (*textReader, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	raw := &countingReader{r: src}
	t := &textReader{raw: raw, encoding: name}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		t.decoded = transform.NewReader(raw, strictUTF8{})
	} else {
		// decoders substitute U+FFFD for bytes they cannot map
		t.decoded = transform.NewReader(transform.NewReader(raw, enc.NewDecoder()), strictUTF8{rejectReplacement: true})
	}
	return t, nil
}

func (t *textReader) Read(p []byte) (int, error) {
	n, err := t.decoded.Read(p)
	if err != nil && errors.Is(err, errUndecodable) {
		err = &decodeError{encoding: t.encoding, offset: t.raw.n, err: err}
	}
	return n, err
}

// strictUTF8 passes valid UTF-8 through and fails on anything else.
type strictUTF8 struct {
	transform.NopResetter
	rejectReplacement bool
}

func (s strictUTF8) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	n := len(src)
	if !atEOF {
		n = fullRunes(src)
	}
	if n > len(dst) {
		n = fullRunes(src[:len(dst)])
		err = transform.ErrShortDst
	}
	chunk := src[:n]
	if bad := s.invalidAt(chunk); bad >= 0 {
		if bad == 0 {
			return 0, 0, errUndecodable
		}
		// hand out the valid prefix; the next call fails on the bad byte
		copy(dst, chunk[:bad])
		return bad, bad, transform.ErrShortDst
	}
	copy(dst, chunk)
	if err == nil && n < len(src) {
		err = transform.ErrShortSrc
	}
	return n, n, err
}

// invalidAt returns the offset of the first invalid sequence in b, or -1.
func (s strictUTF8) invalidAt(b []byte) int {
	if utf8.Valid(b) && (!s.rejectReplacement || !bytes.ContainsRune(b, utf8.RuneError)) {
		return -1
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && (size == 1 || s.rejectReplacement) {
			return i
		}
		i += size
	}
	return -1
}

// fullRunes returns the length of b without a trailing incomplete rune.
func fullRunes(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:n]) {
				return i
			}
			break
		}
	}
	return n
}

func validateEncoding(r io.Reader, name string) error {
	t, err := newTextReader(r, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, t)
	return err
}

// resolveEncoding streams rs once with the declared encoding. When that
// fails it detects the encoding from the bytes around the failure and tries
// that once. rs is left at its starting position.
func resolveEncoding(rs io.ReadSeeker, declared string) (string, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", ErrOpen.Err(err)
	}
	rewind := func() error {
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return ErrOpen.Err(err)
		}
		return nil
	}

	err1 := validateEncoding(rs, declared)
	if err1 == nil {
		return declared, rewind()
	}
	var offset int64
	var de *decodeError
	if errors.As(err1, &de) {
		offset = de.offset
	}

	sample, err := readSample(rs, start, offset)
	if err != nil {
		return "", err
	}
	detected := detectEncoding(sample)
	if detected == "" || strings.EqualFold(detected, declared) {
		return "", ErrDecode.MsgErr(fmt.Sprintf("unable to decode file as %s", declared), err1)
	}
	log.Warn().Str("declared", declared).Str("detected", detected).Int64("offset", offset).
		Msg("declared encoding failed, retrying with detected encoding")

	if err := rewind(); err != nil {
		return "", err
	}
	if err2 := validateEncoding(rs, detected); err2 != nil {
		return "", ErrDecode.MsgErr(fmt.Sprintf("unable to decode file as %s or %s", declared, detected), err1, err2)
	}
	return detected, rewind()
}

// readSample reads up to sampleSize bytes centred on offset.
func readSample(rs io.ReadSeeker, start, offset int64) ([]byte, error) {
	from := offset - sampleSize/2
	if from < 0 {
		from = 0
	}
	if _, err := rs.Seek(start+from, io.SeekStart); err != nil {
		return nil, ErrOpen.Err(err)
	}
	buf := make([]byte, sampleSize)
	n, err := io.ReadFull(rs, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, ErrOpen.Err(err)
	}
	return buf[:n], nil
}

func detectEncoding(sample []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil {
		return ""
	}
	return res.Charset
}
