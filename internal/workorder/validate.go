package workorder

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/govledger/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	ID       string
	Problems []string
}

func (e *ValidationError) Error() string {
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("work order %s is invalid: %s", id, strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var schema = sync.OnceValues(func() (cue.Value, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, err
	}
	return v.LookupPath(cue.ParsePath("#WorkOrder")), nil
})

// Validate checks the raw document against the #WorkOrder schema.
func (w *WorkOrder) Validate() error {
	def, err := schema()
	if err != nil {
		return fmt.Errorf("compile work order schema: %w", err)
	}
	doc := def.Context().Encode(ir.ToGo(w.Raw))
	if err := doc.Err(); err != nil {
		return &ValidationError{ID: w.ID, Problems: []string{err.Error()}}
	}
	err = def.Unify(doc).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	ve := &ValidationError{ID: w.ID}
	for _, e := range errors.Errors(err) {
		ve.Problems = append(ve.Problems, problem(e))
	}
	if len(ve.Problems) == 0 {
		ve.Problems = []string{err.Error()}
	}
	return ve
}

func problem(e errors.Error) string {
	format, args := e.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := e.Path(); len(path) > 0 {
		return strings.Join(path, ".") + ": " + msg
	}
	return msg
}
