// Copyright 2018 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"encoding"
	"flag"
	"time"
)

var (
	_ encoding.TextUnmarshaler = (*DurationWrap)(nil)
	_ encoding.TextMarshaler   = DurationWrap{}
	_ flag.Value               = (*DurationWrap)(nil)
)

// DurationWrap is a time.Duration that reads and writes the "<int><unit>" format of
// ParseDuration, both in JSON configuration files and as a command line flag.
type DurationWrap struct {
	time.Duration
}

func NewDurationWrap(d time.Duration) DurationWrap {
	return DurationWrap{Duration: d}
}

func (d *DurationWrap) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// Set parses text. d is left untouched on error.
func (d *DurationWrap) Set(text string) error {
	parsed, err := ParseDuration(text)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d DurationWrap) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d DurationWrap) String() string {
	return FmtDuration(d.Duration)
}
