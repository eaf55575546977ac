// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.
package main_test

import (
	"bytes"
	"compress/gzip"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cosnicolaou/pragzip"
)

func genReproducibleRandomData(size int) []byte {
	gen := rand.New(rand.NewSource(0x1234))
	out := make([]byte, size)
	gen.Read(out)
	return out
}

func createGzipFile(filename string, data []byte) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(filename+".gz", buf.Bytes(), 0600)
}

func pragzipCmd(args ...string) (string, error) {
	cmd := exec.Command("go", append([]string{"run", "."}, args...)...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func unzipCmd(filename string) ([]byte, string, error) {
	ifile := filename + ".gz"
	ofile := filename + ".test"
	out, err := pragzipCmd("unzip", "--progress=false", "--output="+ofile, ifile)
	if err != nil {
		return nil, out, err
	}
	data, err := os.ReadFile(ofile)
	return data, out, err
}

func TestCmd(t *testing.T) {
	tmpdir := t.TempDir()
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"hello", []byte("hello world\n")},
		{"800KB", genReproducibleRandomData(800 * 1024)},
	} {
		filename := filepath.Join(tmpdir, tc.name)
		if err := createGzipFile(filename, tc.data); err != nil {
			t.Fatalf("%v: %v", tc.name, err)
		}
		data, out, err := unzipCmd(filename)
		if err != nil {
			t.Fatalf("%v: %v: %v", tc.name, out, err)
		}
		if got, want := data, tc.data; !bytes.Equal(got, want) {
			t.Errorf("%v: decompressed %v bytes, want %v", tc.name, len(got), len(want))
		}
	}
}

func TestCatCmd(t *testing.T) {
	tmpdir := t.TempDir()
	want := genReproducibleRandomData(200 * 1024)
	filename := filepath.Join(tmpdir, "cat")
	if err := createGzipFile(filename, want); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("go", "run", ".", "cat", filename+".gz")
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("%v: %v", stderr.String(), err)
	}
	if !bytes.Equal(stdout.Bytes(), want) {
		t.Errorf("cat wrote %v bytes, want %v", stdout.Len(), len(want))
	}
}

func TestIndexCmd(t *testing.T) {
	tmpdir := t.TempDir()
	filename := filepath.Join(tmpdir, "indexed")
	if err := createGzipFile(filename, genReproducibleRandomData(600*1024)); err != nil {
		t.Fatal(err)
	}
	out, err := pragzipCmd("index", "--chunk-size=65536", "--spacing=65536", filename+".gz")
	if err != nil {
		t.Fatalf("%v: %v", out, err)
	}
	f, err := os.Open(filename + ".gz.przi")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	idx, err := pragzip.ReadIndex(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Checkpoints) < 2 {
		t.Errorf("index holds %v checkpoints, want several", len(idx.Checkpoints))
	}
	for i := 1; i < len(idx.Checkpoints); i++ {
		if idx.Checkpoints[i].DecodedOffset <= idx.Checkpoints[i-1].DecodedOffset {
			t.Errorf("checkpoint %v not strictly increasing", i)
		}
	}
}

func TestErrors(t *testing.T) {
	tmpdir := t.TempDir()

	empty := filepath.Join(tmpdir, "empty")
	if err := os.WriteFile(empty+".gz", nil, 0600); err != nil {
		t.Fatal(err)
	}
	_, out, err := unzipCmd(empty)
	if err == nil || !strings.Contains(out, "no gzip magic") {
		t.Fatalf("missing or wrong error message: %v: %v", out, err)
	}

	hello := filepath.Join(tmpdir, "hello")
	if err := createGzipFile(hello, []byte("hello world\n")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(hello + ".gz")
	if err != nil {
		t.Fatal(err)
	}
	// Flip a CRC32 footer byte.
	data[len(data)-6] ^= 0xff

	corrupt := filepath.Join(tmpdir, "hello-corrupt")
	if err := os.WriteFile(corrupt+".gz", data, 0600); err != nil {
		t.Fatal(err)
	}
	_, out, err = unzipCmd(corrupt)
	if err == nil || !strings.Contains(out, "checksum mismatch") {
		t.Fatalf("missing or wrong error message: %v: %v", out, err)
	}
}
