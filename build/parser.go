// Package build turns declarative instruction files into images: it
// parses the line-oriented syntax, stores referenced files in the
// content store, and appends the resulting layer chain.
//
// Syntax:
//
//	FROM <name:tag>                                    base image, first line only
//	COPY [--writable=yes|no] [--link=soft|hard] <src> <dst>
//	MKDIR <path>
//	IMAGE <name:tag>
//	BEGIN LAYER ... END                                group into one atomic layer
//
// Lines starting with # are comments. COPY defaults to a read-only
// hard link. A COPY whose source is a directory expands recursively.
// ${name} references are replaced with build arguments before a line
// is interpreted.
package build

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
)

// ParseError reports a malformed instruction with its position.
type ParseError struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e ParseError) Error() string {
	file := e.File
	if file == "" {
		file = "<input>"
	}
	return fmt.Sprintf("%s:%d:%d: %s", file, e.Line, e.Column, e.Msg)
}

// Definition is a parsed instruction file.
type Definition struct {
	// Base is the FROM image, if any.
	Base *reference.Tagged
	// Steps become one layer each, in order.
	Steps []Step
}

// Step is one future layer: a single instruction, or the contents of a
// BEGIN LAYER block.
type Step struct {
	// Source is the instruction text, used for build progress output.
	Source string
	// Line is where the step starts in the input.
	Line int
	// Operations are the unexpanded operations of the step.
	Operations []OperationDef
}

// OperationDef is a parsed operation before source expansion: file
// sources are still context-relative paths and image references are
// still unresolved tags.
type OperationDef struct {
	Kind     strata.OperationKind
	Path     string           // destination path (file, directory)
	Source   string           // context-relative source (file)
	Link     strata.LinkMode  // file
	Writable bool             // file
	Image    reference.Tagged // image
}

// Parse reads an instruction file. file names the input in errors and
// may be empty.
func Parse(file, input string) (*Definition, error) {
	return ParseArgs(file, input, nil)
}

// ParseArgs reads an instruction file, substituting ${name} build
// arguments before interpreting each line. Referencing an argument
// that was not supplied is a parse error.
func ParseArgs(file, input string, args map[string]string) (*Definition, error) {
	p := parser{file: file, args: args}
	return p.parse(input)
}

type parser struct {
	file string
	args map[string]string
}

var argPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute expands ${name} references outside of comments.
func (p *parser) substitute(line string, lineNo int) (string, error) {
	var missing string
	expanded := argPattern.ReplaceAllStringFunc(line, func(match string) string {
		value, ok := p.args[match[2:len(match)-1]]
		if !ok {
			if missing == "" {
				missing = match
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", p.errorf(line, lineNo, missing, "undefined build argument %s", missing)
	}
	return expanded, nil
}

func (p *parser) parse(input string) (*Definition, error) {
	var (
		def        Definition
		block      *Step // open BEGIN LAYER block, if any
		blockLine  int
		firstInstr = true
	)

	for lineNo, line := range strings.Split(input, "\n") {
		lineNo++
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		line, err := p.substitute(line, lineNo)
		if err != nil {
			return nil, err
		}
		trimmed = strings.TrimSpace(line)

		fields := strings.Fields(line)
		command := fields[0]

		switch command {
		case "FROM":
			if !firstInstr {
				return nil, p.errorf(line, lineNo, command, "FROM is only allowed as the first instruction")
			}
			if len(fields) != 2 {
				return nil, p.errorf(line, lineNo, command, "FROM takes exactly one image reference")
			}
			base, err := reference.ParseTag(fields[1])
			if err != nil {
				return nil, p.errorf(line, lineNo, fields[1], "invalid image reference: %v", err)
			}
			def.Base = &base

		case "BEGIN":
			if len(fields) != 2 || fields[1] != "LAYER" {
				return nil, p.errorf(line, lineNo, command, "expected BEGIN LAYER")
			}
			if block != nil {
				return nil, p.errorf(line, lineNo, command, "BEGIN LAYER blocks cannot nest")
			}
			block = &Step{Source: trimmed, Line: lineNo}
			blockLine = lineNo

		case "END":
			if block == nil {
				return nil, p.errorf(line, lineNo, command, "END without BEGIN LAYER")
			}
			if len(block.Operations) == 0 {
				return nil, p.errorf(line, lineNo, command, "empty BEGIN LAYER block")
			}
			def.Steps = append(def.Steps, *block)
			block = nil

		default:
			op, err := p.parseOperation(line, lineNo, fields)
			if err != nil {
				return nil, err
			}
			if block != nil {
				block.Operations = append(block.Operations, op)
			} else {
				def.Steps = append(def.Steps, Step{
					Source:     trimmed,
					Line:       lineNo,
					Operations: []OperationDef{op},
				})
			}
		}

		firstInstr = false
	}

	if block != nil {
		return nil, ParseError{File: p.file, Line: blockLine, Column: 1, Msg: "BEGIN LAYER block is never closed"}
	}

	return &def, nil
}

func (p *parser) parseOperation(line string, lineNo int, fields []string) (OperationDef, error) {
	command := fields[0]

	switch command {
	case "COPY":
		op := OperationDef{Kind: strata.OpFile, Link: strata.LinkHard}
		var positional []string
		for _, field := range fields[1:] {
			if !strings.HasPrefix(field, "--") {
				positional = append(positional, field)
				continue
			}
			name, value, ok := strings.Cut(strings.TrimPrefix(field, "--"), "=")
			if !ok {
				return OperationDef{}, p.errorf(line, lineNo, field, "malformed option %q", field)
			}
			switch {
			case name == "writable" && (value == "yes" || value == "no"):
				op.Writable = value == "yes"
			case name == "link" && (value == "hard" || value == "soft"):
				op.Link = strata.LinkMode(value)
			default:
				return OperationDef{}, p.errorf(line, lineNo, field, "unknown option %q", field)
			}
		}
		if len(positional) != 2 {
			return OperationDef{}, p.errorf(line, lineNo, command, "COPY takes a source and a destination")
		}
		op.Source, op.Path = positional[0], positional[1]
		return op, nil

	case "MKDIR":
		if len(fields) != 2 {
			return OperationDef{}, p.errorf(line, lineNo, command, "MKDIR takes exactly one path")
		}
		return OperationDef{Kind: strata.OpDirectory, Path: fields[1]}, nil

	case "IMAGE":
		if len(fields) != 2 {
			return OperationDef{}, p.errorf(line, lineNo, command, "IMAGE takes exactly one image reference")
		}
		ref, err := reference.ParseTag(fields[1])
		if err != nil {
			return OperationDef{}, p.errorf(line, lineNo, fields[1], "invalid image reference: %v", err)
		}
		return OperationDef{Kind: strata.OpImage, Image: ref}, nil

	default:
		return OperationDef{}, p.errorf(line, lineNo, command, "%q is not an instruction", command)
	}
}

// errorf builds a ParseError pointing at token's position within line.
func (p *parser) errorf(line string, lineNo int, token, format string, args ...interface{}) error {
	column := strings.Index(line, token) + 1
	if column == 0 {
		column = 1
	}
	return ParseError{
		File:   p.file,
		Line:   lineNo,
		Column: column,
		Msg:    fmt.Sprintf(format, args...),
	}
}
