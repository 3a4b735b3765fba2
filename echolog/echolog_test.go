// Copyright (c) 2025 Bob Vawter (bob@vawter.org)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// SPDX-License-Identifier: MIT

package echolog_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/jlu-xiurui/rdma-go/echolog"
	"github.com/stretchr/testify/require"
)

var lineRE = regexp.MustCompile(`thread\[\d+\]: \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} hello 42`)

func TestLogLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.log")
	s, err := echolog.New(path, false)
	require.NoError(t, err)

	s.Log("hello %d", 42)
	require.NoError(t, s.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Regexp(t, lineRE, string(content))
}

func TestNewTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.log")

	s1, err := echolog.New(path, false)
	require.NoError(t, err)
	s1.Log("first generation")
	require.NoError(t, s1.Close())

	s2, err := echolog.New(path, false)
	require.NoError(t, err)
	s2.Log("second generation")
	require.NoError(t, s2.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(content), "first generation")
	require.Contains(t, string(content), "second generation")
}

func TestLogIsSafeForConcurrentUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.log")
	s, err := echolog.New(path, false)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			s.Log("concurrent %d", n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	require.NoError(t, s.Close())
}
