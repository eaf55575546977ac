// Copyright 2024 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/pragzip"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"
)

type CommonFlags struct {
	Concurrency int    `subcmd:"concurrency,4,'number of worker threads used for decompression'"`
	ChunkSize   int64  `subcmd:"chunk-size,4194304,'target decoded size of a parallel work unit in bytes'"`
	Format      string `subcmd:"format,auto,'input format: auto, gzip, pigz, bgzf or raw'"`
	NoCRC       bool   `subcmd:"no-crc,false,'skip per-stream CRC32 verification'"`
	Verbose     bool   `subcmd:"verbose,false,verbose debug/trace information"`
}

type catFlags struct {
	CommonFlags
}

type unzipFlags struct {
	CommonFlags
	ProgressBar bool   `subcmd:"progress,true,display a progress bar"`
	OutputFile  string `subcmd:"output,,'output file or s3 path, omit for stdout'"`
}

type indexFlags struct {
	CommonFlags
	Spacing   int64  `subcmd:"spacing,4194304,'decoded bytes between index checkpoints'"`
	IndexFile string `subcmd:"index-file,,'output path for the index, defaults to <input>.przi'"`
}

type scanFlags struct {
	Format string `subcmd:"format,auto,'input format: auto, gzip, pigz, bgzf or raw'"`
}

var cmdSet *subcmd.CommandSet

func init() {
	defaultConcurrency := map[string]interface{}{
		"concurrency": runtime.GOMAXPROCS(-1),
	}

	catCmd := subcmd.NewCommand("cat",
		subcmd.MustRegisterFlagStruct(&catFlags{}, defaultConcurrency, nil),
		cat, subcmd.AtLeastNArguments(0))
	catCmd.Document(`decompress gzip files or stdin. Files may be local, on S3 or a URL.`)

	unzipCmd := subcmd.NewCommand("unzip",
		subcmd.MustRegisterFlagStruct(&unzipFlags{}, defaultConcurrency, nil),
		unzip, subcmd.ExactlyNumArguments(1))
	unzipCmd.Document(`decompress a gzip file.`)

	indexCmd := subcmd.NewCommand("index",
		subcmd.MustRegisterFlagStruct(&indexFlags{}, defaultConcurrency, nil),
		buildIndex, subcmd.ExactlyNumArguments(1))
	indexCmd.Document(`build a checkpoint index for a gzip file to enable fast random access.`)

	scanCmd := subcmd.NewCommand("scan",
		subcmd.MustRegisterFlagStruct(&scanFlags{}, nil, nil),
		scan, subcmd.AtLeastNArguments(1))
	scanCmd.Document(`scan a gzip file and report the block boundaries the finder discovers; intended purely for debugging purposes.`)

	cmdSet = subcmd.NewCommandSet(catCmd, unzipCmd, indexCmd, scanCmd)
	cmdSet.Document(`decompress and inspect gzip, BGZF and pigz files in parallel. Files may be local, on S3 or a URL.`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func optsFromCommonFlags(cl *CommonFlags) ([]pragzip.ReaderOption, error) {
	format, err := pragzip.ParseFormat(cl.Format)
	if err != nil {
		return nil, err
	}
	return []pragzip.ReaderOption{
		pragzip.Concurrency(cl.Concurrency),
		pragzip.ChunkTargetSize(cl.ChunkSize),
		pragzip.InputFormat(format),
		pragzip.VerifyCRC(!cl.NoCRC),
		pragzip.Verbose(cl.Verbose),
	}, nil
}

// openInput opens a local file, an S3 object or a URL. Local files support
// positional reads directly; everything else is adapted via the single-pass
// buffering reader.
func openInput(ctx context.Context, name string, opts []pragzip.ReaderOption) (*pragzip.Reader, int64, func(context.Context) error, error) {
	if strings.HasPrefix(name, "http") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, 0, nil, err
		}
		rd, err := pragzip.NewStreamReader(ctx, resp.Body, opts...)
		if err != nil {
			resp.Body.Close()
			return nil, 0, nil, err
		}
		cleanup := func(context.Context) error {
			resp.Body.Close()
			return rd.Close()
		}
		return rd, resp.ContentLength, cleanup, nil
	}
	if info, err := os.Stat(name); err == nil {
		f, err := os.Open(name)
		if err != nil {
			return nil, 0, nil, err
		}
		rd, err := pragzip.NewReader(ctx, f, info.Size(), opts...)
		if err != nil {
			f.Close()
			return nil, 0, nil, err
		}
		cleanup := func(context.Context) error {
			f.Close()
			return rd.Close()
		}
		return rd, info.Size(), cleanup, nil
	}
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	rd, err := pragzip.NewStreamReader(ctx, f.Reader(ctx), opts...)
	if err != nil {
		f.Close(ctx)
		return nil, 0, nil, err
	}
	cleanup := func(ctx context.Context) error {
		errs := &errors.M{}
		errs.Append(rd.Close())
		errs.Append(f.Close(ctx))
		return errs.Err()
	}
	return rd, info.Size(), cleanup, nil
}

func createFile(ctx context.Context, name string) (io.Writer, func(context.Context) error, error) {
	if len(name) == 0 {
		return os.Stdout,
			func(context.Context) error {
				return nil
			},
			nil
	}
	f, err := file.Create(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return f.Writer(ctx), f.Close, nil
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func cat(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*catFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	opts, err := optsFromCommonFlags(&cl.CommonFlags)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		rd, err := pragzip.NewStreamReader(ctx, os.Stdin, opts...)
		if err != nil {
			return err
		}
		defer rd.Close()
		_, err = io.Copy(os.Stdout, rd)
		return err
	}

	for _, inputFile := range args {
		rd, _, cleanup, err := openInput(ctx, inputFile, opts)
		if err != nil {
			return err
		}
		_, err = io.Copy(os.Stdout, rd)
		if cerr := cleanup(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// progressReader updates a bar with the reader's progress through the
// compressed input as decoded data flows past.
type progressReader struct {
	rd   *pragzip.Reader
	bar  *progressbar.ProgressBar
	seen int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.rd.Read(p)
	if off := pr.rd.CompressedOffset(); off > pr.seen {
		pr.bar.Add(int(off - pr.seen))
		pr.seen = off
	}
	return n, err
}

func unzip(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*unzipFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	opts, err := optsFromCommonFlags(&cl.CommonFlags)
	if err != nil {
		return err
	}

	rd, size, cleanup, err := openInput(ctx, args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	wr, writerCleanup, err := createFile(ctx, cl.OutputFile)
	if err != nil {
		return err
	}

	var src io.Reader = rd
	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))
	if cl.ProgressBar && size > 0 && (len(cl.OutputFile) > 0 || !isTTY) {
		progressBarWr := os.Stdout
		if !isTTY {
			progressBarWr = os.Stderr
		}
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetBytes64(size),
			progressbar.OptionSetWriter(progressBarWr),
			progressbar.OptionSetPredictTime(true))
		bar.RenderBlank()
		src = &progressReader{rd: rd, bar: bar}
		defer fmt.Fprintln(progressBarWr)
	}

	errs := &errors.M{}
	start := time.Now()
	n, err := io.Copy(wr, src)
	errs.Append(err)
	errs.Append(writerCleanup(ctx))
	if cl.Verbose && err == nil {
		stats := rd.Stats()
		fmt.Fprintf(os.Stderr, "decoded %v bytes in %v: %+v\n", n, time.Since(start), stats)
	}
	return errs.Err()
}

func buildIndex(ctx context.Context, values interface{}, args []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cl := values.(*indexFlags)
	cmdutil.HandleSignals(cancel, os.Interrupt)

	opts, err := optsFromCommonFlags(&cl.CommonFlags)
	if err != nil {
		return err
	}
	opts = append(opts, pragzip.RecordCheckpoints(cl.Spacing))

	rd, _, cleanup, err := openInput(ctx, args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	if _, err := io.Copy(io.Discard, rd); err != nil {
		return err
	}

	indexFile := cl.IndexFile
	if len(indexFile) == 0 {
		indexFile = args[0] + ".przi"
	}
	out, err := os.Create(indexFile)
	if err != nil {
		return err
	}
	errs := &errors.M{}
	_, err = rd.Checkpoints().WriteTo(out)
	errs.Append(err)
	errs.Append(out.Close())
	return errs.Err()
}

func scan(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*scanFlags)
	format, err := pragzip.ParseFormat(cl.Format)
	if err != nil {
		return err
	}
	for _, name := range args {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		count := 0
		err = pragzip.ScanBlocks(f, info.Size(), format, func(offset int64) bool {
			fmt.Printf("%v: block at bit %v (byte %v + %v bits)\n", name, offset, offset/8, offset%8)
			count++
			return true
		})
		f.Close()
		if err != nil {
			return err
		}
		fmt.Printf("%v: %v blocks\n", name, count)
	}
	return nil
}
