package engine

import (
	"fmt"
	"strings"
	"sync"
)

// Harmony special token ids. Ids below TokStartOfText are o200k ranks.
const (
	TokStartOfText uint32 = 199998
	TokEndOfText   uint32 = 199999

	TokReturn    uint32 = 200002
	TokConstrain uint32 = 200003
	TokChannel   uint32 = 200005
	TokStart     uint32 = 200006
	TokEnd       uint32 = 200007
	TokMessage   uint32 = 200008
	TokCall      uint32 = 200012
)

// Reserved range for Harmony: 200014..=201088
const (
	ReservedStart = 200014
	ReservedEnd   = 201088
)

type specialTable struct {
	enc map[string]uint32
	dec map[uint32]string
}

var harmonySpecials = sync.OnceValue(func() *specialTable {
	enc := map[string]uint32{
		"<|startoftext|>": TokStartOfText,
		"<|endoftext|>":   TokEndOfText,
		"<|return|>":      TokReturn,
		"<|constrain|>":   TokConstrain,
		"<|channel|>":     TokChannel,
		"<|start|>":       TokStart,
		"<|end|>":         TokEnd,
		"<|message|>":     TokMessage,
		"<|call|>":        TokCall,
	}
	for id := uint32(ReservedStart); id <= uint32(ReservedEnd); id++ {
		enc[fmt.Sprintf("<|reserved_%d|>", id)] = id
	}
	dec := make(map[uint32]string, len(enc))
	for lit, id := range enc {
		dec[id] = lit
	}
	return &specialTable{enc: enc, dec: dec}
})

// matchAt returns the special token starting at s[i:] and its length, or
// 0, 0. Every literal has the form <|name|> with no "|>" inside the name.
func (t *specialTable) matchAt(s string, i int) (uint32, int) {
	if !strings.HasPrefix(s[i:], "<|") {
		return 0, 0
	}
	end := strings.Index(s[i+2:], "|>")
	if end < 0 {
		return 0, 0
	}
	n := 2 + end + 2
	if id, ok := t.enc[s[i:i+n]]; ok {
		return id, n
	}
	return 0, 0
}

// Literal returns the text of a Harmony special token.
func Literal(id uint32) (string, bool) {
	lit, ok := harmonySpecials().dec[id]
	return lit, ok
}

// SpecialID returns the id of a Harmony special literal.
func SpecialID(literal string) (uint32, bool) {
	id, ok := harmonySpecials().enc[literal]
	return id, ok
}
