package kampe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type redirections struct {
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

// openRedirections opens stdin for reading and creates or truncates stdout
// and stderr. When stdout and stderr name the same file it is opened once so
// the two streams append to one offset instead of overwriting each other.
func openRedirections(spec Spec) (*redirections, error) {
	r := &redirections{}

	var err error
	r.stdin, err = os.Open(orDevNull(spec.StdinPath))
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}

	r.stdout, err = openOutput(orDevNull(spec.StdoutPath))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open stdout: %w", err)
	}

	if samePath(spec.StdoutPath, spec.StderrPath) {
		r.stderr = r.stdout
		return r, nil
	}

	r.stderr, err = openOutput(orDevNull(spec.StderrPath))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open stderr: %w", err)
	}
	return r, nil
}

func openOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func samePath(a, b string) bool {
	a, b = orDevNull(a), orDevNull(b)
	if a == os.DevNull || b == os.DevNull {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

func (r *redirections) Close() error {
	var errs []error
	seen := map[*os.File]bool{}
	for _, f := range []*os.File{r.stdin, r.stdout, r.stderr} {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
