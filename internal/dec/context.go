package dec

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// MinPrecision is the lowest significant-digit count a Context accepts.
// Below 28 digits the recomputed certificate aggregates drift away from the
// reference values once intermediate quantization is applied.
const MinPrecision = 28

// DefaultPrecision is the significant-digit count used when no explicit
// precision is configured. It matches the strictest setting found in the
// reference data.
const DefaultPrecision = 50

// DefaultScale is the number of fractional digits intermediate results are
// quantized to (round-half-up) between formula steps.
const DefaultScale = 12

// Context is an immutable decimal computation context.
//
// A Context carries the working precision and the intermediate quantization
// scale. It is created once per run and shared read-only by every component;
// there is no hidden global state to mutate.
type Context struct {
	ctx   *apd.Context
	scale int32
}

// New creates a Context with the given significant-digit precision and
// intermediate quantization scale (fractional digits).
//
// Returns an error if precision is below MinPrecision or scale is negative.
func New(precision uint32, scale int32) (*Context, error) {
	if precision < MinPrecision {
		return nil, fmt.Errorf("precision %d below minimum %d", precision, MinPrecision)
	}
	if scale < 0 {
		return nil, fmt.Errorf("scale must be non-negative, got %d", scale)
	}
	ctx := apd.BaseContext.WithPrecision(precision)
	ctx.Rounding = apd.RoundHalfUp
	return &Context{ctx: ctx, scale: scale}, nil
}

// Default returns a Context with DefaultPrecision and DefaultScale.
func Default() *Context {
	c, err := New(DefaultPrecision, DefaultScale)
	if err != nil {
		panic(err) // defaults are always valid
	}
	return c
}

// Precision returns the context's significant-digit precision.
func (c *Context) Precision() uint32 {
	return c.ctx.Precision
}

// Scale returns the intermediate quantization scale in fractional digits.
func (c *Context) Scale() int32 {
	return c.scale
}

// Quantize rounds x to the context scale using round-half-up and returns the
// result as a new decimal. x is not modified.
func (c *Context) Quantize(x *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Quantize(d, x, -c.scale); err != nil {
		return nil, fmt.Errorf("quantize %s: %w", x, err)
	}
	return d, nil
}

// Add returns x + y.
func (c *Context) Add(x, y *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Add(d, x, y); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	return d, nil
}

// Sub returns x - y.
func (c *Context) Sub(x, y *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Sub(d, x, y); err != nil {
		return nil, fmt.Errorf("sub: %w", err)
	}
	return d, nil
}

// Mul returns x * y.
func (c *Context) Mul(x, y *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Mul(d, x, y); err != nil {
		return nil, fmt.Errorf("mul: %w", err)
	}
	return d, nil
}

// Div returns x / y. A zero divisor yields a *DivisionByZeroError; callers
// translate it into the spreadsheet's blank-propagation semantics instead of
// substituting zero.
func (c *Context) Div(x, y *apd.Decimal) (*apd.Decimal, error) {
	if y.IsZero() {
		return nil, &DivisionByZeroError{Numerator: x.String()}
	}
	d := new(apd.Decimal)
	if _, err := c.ctx.Quo(d, x, y); err != nil {
		return nil, fmt.Errorf("div: %w", err)
	}
	return d, nil
}

// Sqrt returns the square root of x.
func (c *Context) Sqrt(x *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Sqrt(d, x); err != nil {
		return nil, fmt.Errorf("sqrt %s: %w", x, err)
	}
	return d, nil
}

// Abs returns |x|.
func (c *Context) Abs(x *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Abs(d, x); err != nil {
		return nil, fmt.Errorf("abs: %w", err)
	}
	return d, nil
}

// Neg returns -x.
func (c *Context) Neg(x *apd.Decimal) *apd.Decimal {
	d := new(apd.Decimal)
	d.Neg(x)
	return d
}

// Mean returns the arithmetic mean of xs. Returns an error if xs is empty.
func (c *Context) Mean(xs []*apd.Decimal) (*apd.Decimal, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("mean of empty set is undefined")
	}
	sum := new(apd.Decimal)
	for _, x := range xs {
		if _, err := c.ctx.Add(sum, sum, x); err != nil {
			return nil, fmt.Errorf("mean sum: %w", err)
		}
	}
	n := apd.New(int64(len(xs)), 0)
	return c.Div(sum, n)
}

// RoundToInt rounds x to a whole number using round-half-up. Pulse counts
// pass through this before a search candidate is considered valid.
func (c *Context) RoundToInt(x *apd.Decimal) (*apd.Decimal, error) {
	d := new(apd.Decimal)
	if _, err := c.ctx.Quantize(d, x, 0); err != nil {
		return nil, fmt.Errorf("round to int %s: %w", x, err)
	}
	return d, nil
}
