package similarity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// maxCachedPrograms bounds the compiled-expression cache.
const maxCachedPrograms = 256

// Filter narrows candidate sales with a CEL expression such as
// `brand == "Gucci" && sale_price > 100.0`.
type Filter struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewFilter creates a filter with the candidate variables declared.
func NewFilter() (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("brand", cel.StringType),
		cel.Variable("condition", cel.StringType),
		cel.Variable("product_id", cel.StringType),
		cel.Variable("sale_price", cel.DoubleType),
		cel.Variable("original_price", cel.DoubleType),
		cel.Variable("age_days", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Filter{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles expr and reports a ValidationError if it is not a
// boolean expression over the declared variables.
func (f *Filter) Validate(expr string) error {
	_, err := f.program(expr)
	return err
}

// Apply returns the records for which expr evaluates to true. A record whose
// evaluation fails is excluded.
func (f *Filter) Apply(expr string, records []*domain.SaleRecord, now time.Time) ([]*domain.SaleRecord, error) {
	if expr == "" {
		return records, nil
	}
	prg, err := f.program(expr)
	if err != nil {
		return nil, err
	}

	kept := make([]*domain.SaleRecord, 0, len(records))
	for _, rec := range records {
		out, _, err := prg.Eval(map[string]any{
			"category":       rec.Category,
			"brand":          rec.Brand,
			"condition":      rec.Condition,
			"product_id":     rec.ProductID,
			"sale_price":     rec.SalePrice,
			"original_price": rec.OriginalPrice,
			"age_days":       int64(now.Sub(rec.SaleDate) / (24 * time.Hour)),
		})
		if err != nil {
			slog.Debug("candidate filter evaluation failed", "sale_id", rec.SaleID, "error", err)
			continue
		}
		if out == types.True {
			kept = append(kept, rec)
		}
	}
	return kept, nil
}

func (f *Filter) program(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, ok := f.programs[expr]
	f.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, domain.NewValidationError("filter", issues.Err().Error())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, domain.NewValidationError("filter", "must evaluate to a bool, got "+ast.OutputType().String())
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, domain.NewValidationError("filter", err.Error())
	}

	f.mu.Lock()
	if len(f.programs) >= maxCachedPrograms {
		f.programs = make(map[string]cel.Program)
	}
	f.programs[expr] = prg
	f.mu.Unlock()
	return prg, nil
}
