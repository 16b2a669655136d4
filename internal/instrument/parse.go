package instrument

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// Record is one captured Print emission: the instrumented node it came from,
// the tag it was injected with, and the raw bracketed payload.
type Record struct {
	Node    string
	Tag     string
	Payload string
}

// SplitRecords parses captured text into Print records. Records are framed
// by the ";" delimiter written into every Print message, so an odd delimiter
// count means a record was torn mid-write and the whole capture is unusable.
// Text between records (engine noise on the same stream) is skipped.
func SplitRecords(text string) ([]Record, error) {
	if strings.Count(text, ";")%2 != 0 {
		return nil, fmt.Errorf("instrument: torn capture, odd delimiter count in %d bytes", len(text))
	}
	fields := strings.Split(text, ";")
	var records []Record
	for i := 0; i < len(fields)-1; i++ {
		if !strings.HasSuffix(fields[i], PrintSuffix) {
			continue
		}
		payload := fields[i+1]
		tagEnd := strings.IndexByte(payload, ':')
		if tagEnd < 0 {
			return nil, fmt.Errorf("instrument: record for %q has no tag: %q", fields[i], payload)
		}
		records = append(records, Record{
			Node:    strings.TrimSuffix(fields[i], PrintSuffix),
			Tag:     payload[:tagEnd+1],
			Payload: strings.TrimSpace(payload[tagEnd+1:]),
		})
		i++
	}
	return records, nil
}

// SplitLiterals breaks a payload holding several top-level bracketed arrays
// ("[1 2][3 4]") into one string per array.
func SplitLiterals(payload string) []string {
	var out []string
	depth, start := 0, -1
	for i, c := range payload {
		switch c {
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, payload[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// ParseTensorLiteral reconstitutes a nested array literal into a tensor.
// Values separated by whitespace or commas; integers parse to int32 unless
// any token carries a fractional or exponent part, in which case the whole
// tensor is float32.
func ParseTensorLiteral(lit string) (*tensor.Dense, error) {
	p := &literalParser{src: lit}
	shape, tokens, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("instrument: tensor literal %q: %w", lit, err)
	}

	isFloat := false
	for _, tok := range tokens {
		if strings.ContainsAny(tok, ".eE") || tok == "inf" || tok == "-inf" || tok == "nan" {
			isFloat = true
			break
		}
	}
	if isFloat {
		t := &tensor.Dense{DType: tensor.DTypeF32, Shape: shape, F32: make([]float32, len(tokens))}
		for i, tok := range tokens {
			v, err := strconv.ParseFloat(tok, 32)
			if err != nil {
				return nil, fmt.Errorf("instrument: tensor literal %q: %w", lit, err)
			}
			t.F32[i] = float32(v)
		}
		return t, nil
	}
	t := &tensor.Dense{DType: tensor.DTypeI32, Shape: shape, I32: make([]int32, len(tokens))}
	for i, tok := range tokens {
		v, err := strconv.ParseInt(tok, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("instrument: tensor literal %q: %w", lit, err)
		}
		t.I32[i] = int32(v)
	}
	return t, nil
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) parse() ([]int, []string, error) {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '[' {
		return nil, nil, fmt.Errorf("expected '[' at offset %d", p.pos)
	}
	shape, tokens, err := p.array()
	if err != nil {
		return nil, nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return shape, tokens, nil
}

func (p *literalParser) array() ([]int, []string, error) {
	p.pos++ // consume '['
	var (
		tokens   []string
		subShape []int
		count    int
		nested   bool
	)
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, nil, fmt.Errorf("unterminated array at offset %d", p.pos)
		}
		switch p.src[p.pos] {
		case ']':
			p.pos++
			shape := []int{count}
			if nested {
				shape = append(shape, subShape...)
			}
			return shape, tokens, nil
		case '[':
			s, toks, err := p.array()
			if err != nil {
				return nil, nil, err
			}
			if count > 0 && !equalShape(s, subShape) {
				return nil, nil, fmt.Errorf("ragged nesting at offset %d", p.pos)
			}
			subShape, nested = s, true
			tokens = append(tokens, toks...)
			count++
		default:
			if nested {
				return nil, nil, fmt.Errorf("scalar beside array at offset %d", p.pos)
			}
			tokens = append(tokens, p.token())
			count++
		}
	}
}

func (p *literalParser) token() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == ',' || c == ']' || c == '[' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r', ',':
			p.pos++
		default:
			return
		}
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
