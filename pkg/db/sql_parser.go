/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"strings"
	"unicode"
)

// sqlSplitter walks a migration file and cuts it into statements on
// semicolons that are outside quotes, comments and dollar-quoted bodies.
type sqlSplitter struct {
	src        string
	pos        int
	current    strings.Builder
	statements []string

	singleQuote bool
	doubleQuote bool
	dollarTag   string
}

func splitSQLStatements(content string) []string {
	s := &sqlSplitter{src: content}

	for s.pos < len(s.src) {
		s.step()
	}

	s.flush()

	return s.statements
}

func (s *sqlSplitter) step() {
	rest := s.src[s.pos:]
	ch := rest[0]

	switch {
	case s.dollarTag != "":
		if strings.HasPrefix(rest, s.dollarTag) {
			s.emit(s.dollarTag)
			s.dollarTag = ""

			return
		}

		s.emit(rest[:1])
	case s.singleQuote:
		if ch == '\'' {
			s.singleQuote = false
		}

		s.emit(rest[:1])
	case s.doubleQuote:
		if ch == '"' {
			s.doubleQuote = false
		}

		s.emit(rest[:1])
	case strings.HasPrefix(rest, "--"):
		s.skipLineComment()
	case strings.HasPrefix(rest, "/*"):
		s.skipBlockComment()
	case ch == '$':
		if tag := dollarTag(rest); tag != "" {
			s.dollarTag = tag
			s.emit(tag)

			return
		}

		s.emit(rest[:1])
	case ch == '\'':
		s.singleQuote = true
		s.emit(rest[:1])
	case ch == '"':
		s.doubleQuote = true
		s.emit(rest[:1])
	case ch == ';':
		s.flush()
		s.pos++
	default:
		s.emit(rest[:1])
	}
}

func (s *sqlSplitter) emit(text string) {
	s.current.WriteString(text)
	s.pos += len(text)
}

func (s *sqlSplitter) skipLineComment() {
	end := strings.IndexByte(s.src[s.pos:], '\n')
	if end < 0 {
		s.pos = len(s.src)

		return
	}

	// keep the newline so tokens on either side stay separated
	s.pos += end
	s.emit("\n")
}

func (s *sqlSplitter) skipBlockComment() {
	end := strings.Index(s.src[s.pos+2:], "*/")
	if end < 0 {
		s.pos = len(s.src)

		return
	}

	s.pos += end + 4
}

func (s *sqlSplitter) flush() {
	if stmt := strings.TrimSpace(s.current.String()); stmt != "" {
		s.statements = append(s.statements, stmt)
	}

	s.current.Reset()
}

// dollarTag returns the opening $tag$ at the start of content, or "".
func dollarTag(content string) string {
	for i := 1; i < len(content); i++ {
		ch := content[i]
		if ch == '$' {
			return content[:i+1]
		}

		if ch != '_' && !unicode.IsLetter(rune(ch)) && !unicode.IsDigit(rune(ch)) {
			return ""
		}
	}

	return ""
}

// migrationVersion returns the numeric prefix of a migration file name.
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")

	return version
}
