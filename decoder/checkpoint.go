package decoder

import (
	"encoding/gob"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// CheckpointPrefix is the filename prefix of persisted surrogate
// parameter sets.
const CheckpointPrefix = "surrogate_"

// distributedWrapperPrefix is prepended to parameter names by the
// standard data-parallel training wrapper; it is stripped on load.
const distributedWrapperPrefix = "module."

// FindCheckpoints lists checkpoint file names under dir matching
// CheckpointPrefix, in lexical order. Names are relative to dir.
func FindCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list surrogate checkpoints in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), CheckpointPrefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SaveSurrogate serializes every parameter of pool member i to path as a
// stream of (name, tensor) records. Names are scope-relative, so the
// checkpoint is portable across pools.
func (p *Pool) SaveSurrogate(i int, path string) error {
	scoped := p.ctx.In(p.surrogates[i].scope)
	prefix := scoped.Scope() + context.ScopeSeparator

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create surrogate checkpoint %q", path)
	}
	defer f.Close()
	enc := gob.NewEncoder(f)

	var encodeErr error
	scoped.EnumerateVariablesInScope(func(v *context.Variable) {
		if encodeErr != nil {
			return
		}
		name := strings.TrimPrefix(v.Scope()+context.ScopeSeparator+v.Name(), prefix)
		value, err := v.Value()
		if err != nil {
			encodeErr = err
			return
		}
		if err := enc.Encode(name); err != nil {
			encodeErr = errors.Wrapf(err, "failed to encode parameter name %q", name)
			return
		}
		if err := value.GobSerialize(enc); err != nil {
			encodeErr = errors.Wrapf(err, "failed to encode parameter %q", name)
		}
	})
	if encodeErr != nil {
		return encodeErr
	}
	return errors.Wrapf(f.Sync(), "failed to flush surrogate checkpoint %q", path)
}

// LoadSurrogate restores pool member i's parameters from path. A
// distributed-training wrapper prefix on parameter names is stripped
// transparently. The member's variables must already exist (built by a
// prior forward pass or training step).
func (p *Pool) LoadSurrogate(i int, path string) error {
	scoped := p.ctx.In(p.surrogates[i].scope)
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open surrogate checkpoint %q", path)
	}
	defer f.Close()
	dec := gob.NewDecoder(f)

	for {
		var name string
		if err := dec.Decode(&name); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrapf(err, "corrupt surrogate checkpoint %q", path)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.Wrapf(err, "corrupt surrogate checkpoint %q: parameter %q", path, name)
		}
		name = strings.TrimPrefix(name, distributedWrapperPrefix)

		sep := strings.LastIndex(name, context.ScopeSeparator)
		varCtx, varName := scoped, name
		if sep >= 0 {
			varName = name[sep+1:]
			for _, part := range strings.Split(name[:sep], context.ScopeSeparator) {
				if part != "" {
					varCtx = varCtx.In(part)
				}
			}
		}
		v := varCtx.InspectVariableInScope(varName)
		if v == nil {
			return errors.Errorf("surrogate checkpoint %q names unknown parameter %q", path, name)
		}
		if err := v.SetValue(value); err != nil {
			return errors.Wrapf(err, "failed to restore parameter %q from %q", name, path)
		}
	}
}
