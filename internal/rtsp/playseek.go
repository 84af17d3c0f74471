// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Stream License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rtsp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadPlayseek indica um parâmetro playseek que não pôde ser convertido.
var ErrBadPlayseek = errors.New("rtsp: invalid playseek value")

// compactLayout é o formato de 14 dígitos usado pelos portais IPTV.
const compactLayout = "20060102150405"

// clockLayout é o formato exigido pelo Range: clock= do RFC 2326.
const clockLayout = "20060102T150405Z"

// PlayseekToRange converte o parâmetro playseek ("begin[-end]") no valor
// do header Range. Cada tempo aceita 14 dígitos yyyyMMddHHmmss (sufixo
// GMT opcional), um Unix timestamp ou uma string ISO-8601. Fim ausente
// gera um range aberto.
func PlayseekToRange(playseek string) (string, error) {
	if playseek == "" {
		return "", ErrBadPlayseek
	}

	beginStr, endStr := playseek, ""
	if _, err := parsePlayseekTime(playseek); err != nil {
		// Datas ISO-8601 contêm '-': o separador é o primeiro '-' com um
		// tempo válido à esquerda e, à direita, vazio ou um tempo válido.
		for i := 0; i < len(playseek); i++ {
			if playseek[i] != '-' {
				continue
			}
			_, berr := parsePlayseekTime(playseek[:i])
			_, eerr := parsePlayseekTime(playseek[i+1:])
			if berr == nil && (eerr == nil || i == len(playseek)-1) {
				beginStr, endStr = playseek[:i], playseek[i+1:]
				break
			}
		}
	}
	begin, err := parsePlayseekTime(beginStr)
	if err != nil {
		return "", err
	}

	out := "clock=" + begin.UTC().Format(clockLayout) + "-"
	if endStr != "" {
		end, err := parsePlayseekTime(endStr)
		if err != nil {
			return "", err
		}
		out += end.UTC().Format(clockLayout)
	}
	return out, nil
}

// parsePlayseekTime aceita os três formatos do parâmetro.
func parsePlayseekTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadPlayseek
	}

	// 14 dígitos compactos, com GMT opcional.
	compact := s
	loc := time.Local
	if rest, ok := strings.CutSuffix(compact, "GMT"); ok {
		compact = rest
		loc = time.UTC
	}
	if len(compact) == 14 && allDigits(compact) {
		t, err := time.ParseInLocation(compactLayout, compact, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadPlayseek, s)
		}
		return t, nil
	}

	// Unix timestamp.
	if allDigits(s) {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadPlayseek, s)
		}
		return time.Unix(secs, 0), nil
	}

	// ISO-8601.
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "20060102T150405Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadPlayseek, s)
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
