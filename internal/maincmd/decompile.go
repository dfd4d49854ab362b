package maincmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mna/mainer"

	"github.com/jrake/torquedec/internal/decompiler"
	"github.com/jrake/torquedec/internal/dso"
)

func (c *Cmd) Decompile(ctx context.Context, stdio mainer.Stdio, args []string) error {
	return DecompileFiles(ctx, stdio, c.Stdout, c.KeepGoing, args...)
}

// DecompileFiles decompiles each of paths. A path naming a directory is
// expanded, recursively, into the .cs.dso files it contains; any other
// path is decompiled as given, matching parse_dso.py's main().
func DecompileFiles(ctx context.Context, stdio mainer.Stdio, toStdout, keepGoing bool, paths ...string) error {
	var files []string
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(stdio.Stderr, "error: could not find %s\n", path)
			continue
		}
		files = append(files, expandPath(stdio, path)...)
	}

	failed := false
	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := decompileFile(stdio, f, toStdout); err != nil {
			failed = true
			if !keepGoing {
				return err
			}
		}
	}
	if failed {
		return errors.New("decompile: one or more files failed")
	}
	return nil
}

// expandPath returns path itself if it names a file, or the .cs.dso
// files found recursively under it if it names a directory.
func expandPath(stdio mainer.Stdio, path string) []string {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return []string{path}
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".cs.dso") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "error: walking %s: %s\n", path, err)
	}
	return files
}

// decompileFile decompiles a single DSO file, backing up the original
// to path+".bak" the first time it is seen and working on that backup
// on subsequent runs, so repeated invocations always decompile the
// pristine original rather than a possibly-broken prior output. On
// failure, the partial output file (if any) is removed.
func decompileFile(stdio mainer.Stdio, path string, toStdout bool) error {
	work := path
	outPath := decompiledName(path)

	if !toStdout {
		bak := path + ".bak"
		if _, err := os.Stat(bak); err == nil {
			work = bak
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(stdio.Stderr, "error: reading %s: %s\n", path, err)
				return err
			}
			if err := os.WriteFile(bak, data, 0o644); err != nil {
				fmt.Fprintf(stdio.Stderr, "error: backing up %s: %s\n", path, err)
				return err
			}
		}
	}

	in, err := os.Open(work)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "error: opening %s: %s\n", work, err)
		return err
	}
	defer in.Close()

	mod, err := dso.Parse(in)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "error: parsing %s: %s\n", work, err)
		return err
	}

	var out io.Writer = stdio.Stdout
	var outFile *os.File
	if !toStdout {
		outFile, err = os.Create(outPath)
		if err != nil {
			fmt.Fprintf(stdio.Stderr, "error: creating %s: %s\n", outPath, err)
			return err
		}
		out = outFile
	}

	if err := decompiler.Decompile(mod, out); err != nil {
		var de *decompiler.DecompileError
		if errors.As(err, &de) {
			fmt.Fprintf(stdio.Stderr, "error encountered at ip=%d (%s) while decompiling %s\n", de.IP, de.Opcode, path)
		} else {
			fmt.Fprintf(stdio.Stderr, "error: decompiling %s: %s\n", path, err)
		}
		if outFile != nil {
			outFile.Close()
			os.Remove(outPath)
		}
		return err
	}

	if outFile != nil {
		outFile.Close()
		fmt.Fprintf(stdio.Stdout, "%s successfully decompiled to %s\n", path, outPath)
	}
	return nil
}

// decompiledName turns "file.cs.dso" into "file.cs", or appends ".cs"
// to any other name, matching parse_dso.py's outfile naming.
func decompiledName(path string) string {
	if strings.HasSuffix(path, ".cs.dso") {
		return strings.TrimSuffix(path, ".dso")
	}
	return path + ".cs"
}
