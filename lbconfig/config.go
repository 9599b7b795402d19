// Package lbconfig parses the LB configuration text file: one directive per
// line selecting which strategy runs on which phase.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package lbconfig

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Directive is one parsed line: `[%] <phase-or-mod> <lb-name> [k=v]*`.
type Directive struct {
	Modular bool
	Value   uint64 // exact phase, or modulus when Modular
	LBName  string
	Params  map[string]string
	Line    int
}

var validLBNames = map[string]bool{
	"NoLB": true, "RotateLB": true, "GreedyLB": true,
	"HierarchicalLB": true, "TemperedLB": true, "OfflineLB": true,
}

// Config holds every parsed directive plus the fallback modulus that
// applies when no file is given (lb_interval).
type Config struct {
	exact   map[uint64]Directive
	modular []Directive // sorted ascending by Value (modulus)

	fallbackModulus uint64
	fallbackLB      string
}

// NewFallback builds a Config with no directives: Resolve returns fallbackLB
// on every phase that is a multiple of interval, and nothing otherwise (nor
// at all when interval is 0 or fallbackLB is empty).
func NewFallback(interval uint64, fallbackLB string) *Config {
	return &Config{fallbackModulus: interval, fallbackLB: fallbackLB}
}

// Parse reads directives from r. An unrecognized LB_NAME is a user invariant
// violation and is returned as an error rather than silently ignored. Keys
// are not validated: every k=v pair is passed through in Params, and a
// strategy's InputParams ignores keys it does not read.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{exact: make(map[uint64]Directive)}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		if d.Modular {
			cfg.modular = append(cfg.modular, d)
		} else {
			cfg.exact[d.Value] = d
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "lbconfig: read")
	}
	sort.Slice(cfg.modular, func(i, j int) bool { return cfg.modular[i].Value < cfg.modular[j].Value })
	return cfg, nil
}

func parseLine(line string, lineNo int) (Directive, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Directive{}, errors.Errorf("lbconfig: line %d: expected `[%%] PHASE_OR_MOD LB_NAME [k=v]*`, got %q", lineNo, line)
	}

	phaseTok := fields[0]
	modular := strings.HasPrefix(phaseTok, "%")
	if modular {
		phaseTok = strings.TrimPrefix(phaseTok, "%")
	}
	val, err := strconv.ParseUint(phaseTok, 10, 64)
	if err != nil {
		return Directive{}, errors.Wrapf(err, "lbconfig: line %d: bad phase/modulus %q", lineNo, fields[0])
	}
	if modular && val == 0 {
		return Directive{}, errors.Errorf("lbconfig: line %d: modulus must be positive", lineNo)
	}

	name := fields[1]
	if !validLBNames[name] {
		return Directive{}, errors.Errorf("lbconfig: line %d: unknown LB_NAME %q", lineNo, name)
	}

	params := make(map[string]string)
	for _, kv := range fields[2:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return Directive{}, errors.Errorf("lbconfig: line %d: bad key=value %q", lineNo, kv)
		}
		params[parts[0]] = parts[1]
	}

	return Directive{Modular: modular, Value: val, LBName: name, Params: params, Line: lineNo}, nil
}

// Resolve returns the directive governing phase, applying this package's
// precedence: an exact match always wins; failing that, among every
// matching modular entry (phase % modulus == 0) the one with the smallest
// modulus wins. Returns ok=false when nothing matches and no fallback was
// configured.
func (c *Config) Resolve(phase uint64) (Directive, bool) {
	if c != nil {
		if d, ok := c.exact[phase]; ok {
			return d, true
		}
		for _, d := range c.modular { // ascending by modulus: first match is smallest
			if phase%d.Value == 0 {
				return d, true
			}
		}
	}
	if c != nil && c.fallbackModulus > 0 && phase%c.fallbackModulus == 0 && c.fallbackLB != "" {
		return Directive{Modular: true, Value: c.fallbackModulus, LBName: c.fallbackLB, Params: map[string]string{}}, true
	}
	return Directive{}, false
}
