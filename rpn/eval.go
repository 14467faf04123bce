package rpn

import (
	"math"
	"math/rand"

	"github.com/google/splot-local/internal/value"
)

// Result is the outcome of evaluating a Program: the final stack contents,
// and whether STOP was reached (in which case callers treat the evaluation
// as "no emission" rather than reading the stack).
type Result struct {
	Stack   []value.Value
	Stopped bool
}

// Top returns the top-of-stack value after evaluation, or false if the
// stack was empty (or STOP fired).
func (r Result) Top() (value.Value, bool) {
	if r.Stopped || len(r.Stack) == 0 {
		return value.Null, false
	}
	return r.Stack[len(r.Stack)-1], true
}

type evalState struct {
	stack   []value.Value
	aux     []value.Value
	ctx     *Context
	loopIdx []int64
	stopped bool
}

func (s *evalState) push(v value.Value) { s.stack = append(s.stack, v) }

func (s *evalState) pop() (value.Value, error) {
	if len(s.stack) == 0 {
		return value.Null, &EvalError{Msg: "stack underflow"}
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

// Eval runs the program against ctx on a fresh, empty stack.
func (p *Program) Eval(ctx *Context) (Result, error) {
	s := &evalState{ctx: ctx}
	if err := s.run(p.steps); err != nil {
		return Result{}, err
	}
	return Result{Stack: s.stack, Stopped: s.stopped}, nil
}

// EvalOne runs the program and requires exactly one value to remain on the
// stack (the common case for transforms, predicates, and schedules).
func (p *Program) EvalOne(ctx *Context) (value.Value, bool, error) {
	res, err := p.Eval(ctx)
	if err != nil {
		return value.Null, false, err
	}
	if res.Stopped {
		return value.Null, true, nil
	}
	if len(res.Stack) != 1 {
		return value.Null, false, &EvalError{Msg: "program did not leave exactly one value on the stack"}
	}
	return res.Stack[0], false, nil
}

func (s *evalState) run(steps []step) error {
	for _, st := range steps {
		if s.stopped {
			return nil
		}
		if err := s.runStep(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *evalState) runStep(st step) error {
	switch st.kind {
	case stepLiteral:
		s.push(st.lit)
		return nil
	case stepVar:
		if st.name == "i" && len(s.loopIdx) > 0 {
			s.push(value.Int(s.loopIdx[len(s.loopIdx)-1]))
			return nil
		}
		v, ok := s.ctx.Get(st.name)
		if !ok {
			return &EvalError{Msg: "unknown variable " + st.name}
		}
		s.push(v)
		return nil
	case stepOp:
		return s.runOp(st.name)
	case stepIf:
		cond, err := s.pop()
		if err != nil {
			return err
		}
		b, err := cond.Bool()
		if err != nil {
			return &EvalError{Msg: "IF condition: " + err.Error()}
		}
		if b {
			return s.run(st.then)
		}
		return s.run(st.els)
	case stepCase:
		return s.runCase(st)
	case stepDo:
		return s.runDo(st)
	}
	return nil
}

func (s *evalState) runCase(st step) error {
	selector, err := s.pop()
	if err != nil {
		return err
	}
	for _, branch := range st.branches {
		if err := s.run(branch.label); err != nil {
			return err
		}
		label, err := s.pop()
		if err != nil {
			return err
		}
		if value.Equal(selector, label) {
			return s.run(branch.body)
		}
	}
	return s.run(st.dflt)
}

func (s *evalState) runDo(st step) error {
	start, err := s.pop()
	if err != nil {
		return err
	}
	limit, err := s.pop()
	if err != nil {
		return err
	}
	si, err := start.Int()
	if err != nil {
		return &EvalError{Msg: "DO start: " + err.Error()}
	}
	li, err := limit.Int()
	if err != nil {
		return &EvalError{Msg: "DO limit: " + err.Error()}
	}
	for i := si; i < li; i++ {
		s.loopIdx = append(s.loopIdx, i)
		err := s.run(st.body)
		s.loopIdx = s.loopIdx[:len(s.loopIdx)-1]
		if err != nil {
			return err
		}
		if s.stopped {
			return nil
		}
	}
	return nil
}

func (s *evalState) pop2() (a, b value.Value, err error) {
	b, err = s.pop()
	if err != nil {
		return
	}
	a, err = s.pop()
	return
}

func (s *evalState) popReal() (float64, error) {
	v, err := s.pop()
	if err != nil {
		return 0, err
	}
	return v.Real()
}

func (s *evalState) runOp(name string) error {
	switch name {
	case "NOP":
		return nil
	case "STOP":
		s.stopped = true
		return nil
	case "NULL":
		s.push(value.Null)
		return nil
	case "PI":
		s.push(value.Real(math.Pi))
		return nil
	case "TAU":
		s.push(value.Real(2 * math.Pi))
		return nil
	case "E":
		s.push(value.Real(math.E))
		return nil
	case "TRUE":
		s.push(value.Bool(true))
		return nil
	case "FALSE":
		s.push(value.Bool(false))
		return nil
	case "RND":
		s.push(value.Real(rand.Float64()))
		return nil

	case "DUP":
		v, err := s.pop()
		if err != nil {
			return err
		}
		s.push(v)
		s.push(v)
		return nil
	case "DROP":
		_, err := s.pop()
		return err
	case "SWAP":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		s.push(b)
		s.push(a)
		return nil
	case "OVER":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		s.push(a)
		s.push(b)
		s.push(a)
		return nil
	case "ROT":
		c, err := s.pop()
		if err != nil {
			return err
		}
		b, err := s.pop()
		if err != nil {
			return err
		}
		a, err := s.pop()
		if err != nil {
			return err
		}
		s.push(b)
		s.push(c)
		s.push(a)
		return nil
	case "PUSH":
		// Forth's >R: move the top of the data stack to an auxiliary
		// stack, out of the way of DUP/SWAP/ROT.
		v, err := s.pop()
		if err != nil {
			return err
		}
		s.aux = append(s.aux, v)
		return nil
	case "POP":
		// Forth's R>: move the top of the auxiliary stack back onto the
		// data stack.
		if len(s.aux) == 0 {
			return &EvalError{Msg: "auxiliary stack underflow"}
		}
		v := s.aux[len(s.aux)-1]
		s.aux = s.aux[:len(s.aux)-1]
		s.push(v)
		return nil

	case "{}":
		s.push(value.Map(map[string]value.Value{}))
		return nil
	case "[]":
		s.push(value.List())
		return nil
	case "[1]", "[2]", "[3]", "[4]":
		n := map[string]int{"[1]": 1, "[2]": 2, "[3]": 3, "[4]": 4}[name]
		if len(s.stack) < n {
			return &EvalError{Msg: "stack underflow building array"}
		}
		elems := append([]value.Value(nil), s.stack[len(s.stack)-n:]...)
		s.stack = s.stack[:len(s.stack)-n]
		s.push(value.List(elems...))
		return nil
	case "GET":
		// Stack (bottom to top): container, key.
		container, key, err := s.pop2()
		if err != nil {
			return err
		}
		return s.runGet(container, key)
	case "PUT":
		// Stack (bottom to top): container, key, val.
		val, err := s.pop()
		if err != nil {
			return err
		}
		container, key, err := s.pop2()
		if err != nil {
			return err
		}
		return s.runPut(container, key, val)

	case "==":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		s.push(value.Bool(value.Equal(a, b)))
		return nil
	case "!=":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		s.push(value.Bool(!value.Equal(a, b)))
		return nil
	case "===":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		s.push(value.Bool(value.StrictEqual(a, b)))
		return nil
	case "<", "<=", ">", ">=":
		return s.runCompare(name)

	case "&&", "||", "XOR":
		return s.runLogic(name)
	case "!":
		v, err := s.pop()
		if err != nil {
			return err
		}
		b, err := v.Bool()
		if err != nil {
			return &EvalError{Msg: "!: " + err.Error()}
		}
		s.push(value.Bool(!b))
		return nil

	case "+", "-", "*", "/", "%", "^":
		return s.runArith(name)
	case "LOG":
		v, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(math.Log(v)))
		return nil
	case "NEG":
		return s.runUnaryReal(func(f float64) float64 { return -f })
	case "ABS":
		return s.runUnaryReal(math.Abs)
	case "ROUND":
		v, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Int(int64(math.Round(v))))
		return nil
	case "FLOOR":
		v, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(math.Floor(v)))
		return nil
	case "CEIL":
		v, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(math.Ceil(v)))
		return nil
	case "MIN":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		ar, err := a.Real()
		if err != nil {
			return err
		}
		br, err := b.Real()
		if err != nil {
			return err
		}
		s.push(value.Real(math.Min(ar, br)))
		return nil
	case "MAX":
		a, b, err := s.pop2()
		if err != nil {
			return err
		}
		ar, err := a.Real()
		if err != nil {
			return err
		}
		br, err := b.Real()
		if err != nil {
			return err
		}
		s.push(value.Real(math.Max(ar, br)))
		return nil

	// Trig operators take and return turns (cycles), not radians.
	case "SIN":
		return s.runTrig(func(rad float64) float64 { return math.Sin(rad) })
	case "COS":
		return s.runTrig(func(rad float64) float64 { return math.Cos(rad) })
	case "ASIN":
		return s.runInverseTrig(math.Asin)
	case "ACOS":
		return s.runInverseTrig(math.Acos)

	case "CLAMP":
		hi, err := s.popReal()
		if err != nil {
			return err
		}
		lo, err := s.popReal()
		if err != nil {
			return err
		}
		x, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(value.Clamp(x, lo, hi)))
		return nil
	case "RANGE":
		hi, err := s.popReal()
		if err != nil {
			return err
		}
		lo, err := s.popReal()
		if err != nil {
			return err
		}
		x, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(wrapRange(x, lo, hi)))
		return nil
	case "POLY2":
		c, err := s.popReal()
		if err != nil {
			return err
		}
		b, err := s.popReal()
		if err != nil {
			return err
		}
		a, err := s.popReal()
		if err != nil {
			return err
		}
		x, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(a*x*x + b*x + c))
		return nil
	case "POLY3":
		d, err := s.popReal()
		if err != nil {
			return err
		}
		c, err := s.popReal()
		if err != nil {
			return err
		}
		b, err := s.popReal()
		if err != nil {
			return err
		}
		a, err := s.popReal()
		if err != nil {
			return err
		}
		x, err := s.popReal()
		if err != nil {
			return err
		}
		s.push(value.Real(a*x*x*x + b*x*x + c*x + d))
		return nil
	}
	return &EvalError{Msg: "unimplemented operator " + name}
}

func (s *evalState) runUnaryReal(fn func(float64) float64) error {
	v, err := s.popReal()
	if err != nil {
		return err
	}
	s.push(value.Real(fn(v)))
	return nil
}

func (s *evalState) runTrig(fn func(radians float64) float64) error {
	turns, err := s.popReal()
	if err != nil {
		return err
	}
	s.push(value.Real(fn(turns * 2 * math.Pi)))
	return nil
}

func (s *evalState) runInverseTrig(fn func(float64) float64) error {
	x, err := s.popReal()
	if err != nil {
		return err
	}
	s.push(value.Real(fn(x) / (2 * math.Pi)))
	return nil
}

func (s *evalState) runCompare(name string) error {
	a, b, err := s.pop2()
	if err != nil {
		return err
	}
	ar, err := a.Real()
	if err != nil {
		return err
	}
	br, err := b.Real()
	if err != nil {
		return err
	}
	var result bool
	switch name {
	case "<":
		result = ar < br
	case "<=":
		result = ar <= br
	case ">":
		result = ar > br
	case ">=":
		result = ar >= br
	}
	s.push(value.Bool(result))
	return nil
}

func (s *evalState) runLogic(name string) error {
	a, b, err := s.pop2()
	if err != nil {
		return err
	}
	ab, err := a.Bool()
	if err != nil {
		return err
	}
	bb, err := b.Bool()
	if err != nil {
		return err
	}
	var result bool
	switch name {
	case "&&":
		result = ab && bb
	case "||":
		result = ab || bb
	case "XOR":
		result = ab != bb
	}
	s.push(value.Bool(result))
	return nil
}

func (s *evalState) runArith(name string) error {
	a, b, err := s.pop2()
	if err != nil {
		return err
	}
	if a.Kind() == value.KindInt && b.Kind() == value.KindInt && name != "/" {
		ai, _ := a.Int()
		bi, _ := b.Int()
		switch name {
		case "+":
			s.push(value.Int(ai + bi))
		case "-":
			s.push(value.Int(ai - bi))
		case "*":
			s.push(value.Int(ai * bi))
		case "%":
			s.push(value.Int(flooredModInt(ai, bi)))
		case "^":
			s.push(value.Real(math.Pow(float64(ai), float64(bi))))
		}
		return nil
	}
	ar, err := a.Real()
	if err != nil {
		return err
	}
	br, err := b.Real()
	if err != nil {
		return err
	}
	switch name {
	case "+":
		s.push(value.Real(ar + br))
	case "-":
		s.push(value.Real(ar - br))
	case "*":
		s.push(value.Real(ar * br))
	case "/":
		s.push(value.Real(ar / br))
	case "%":
		s.push(value.Real(flooredMod(ar, br)))
	case "^":
		s.push(value.Real(math.Pow(ar, br)))
	}
	return nil
}

func flooredMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func flooredModInt(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func wrapRange(x, lo, hi float64) float64 {
	return flooredMod(x-lo, hi-lo) + lo
}

func (s *evalState) runGet(container, key value.Value) error {
	switch container.Kind() {
	case value.KindMap:
		m, err := container.Map()
		if err != nil {
			return err
		}
		k, err := key.Text()
		if err != nil {
			return err
		}
		v, ok := m[k]
		if !ok {
			s.push(value.Null)
			return nil
		}
		s.push(v)
		return nil
	case value.KindList:
		l, err := container.List()
		if err != nil {
			return err
		}
		idx, err := key.Int()
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(l) {
			return &EvalError{Msg: "GET: array index out of range"}
		}
		s.push(l[idx])
		return nil
	default:
		return &EvalError{Msg: "GET: unsupported container kind"}
	}
}

func (s *evalState) runPut(container, key, val value.Value) error {
	switch container.Kind() {
	case value.KindMap:
		m, err := container.Map()
		if err != nil {
			return err
		}
		k, err := key.Text()
		if err != nil {
			return err
		}
		out := make(map[string]value.Value, len(m)+1)
		for kk, vv := range m {
			out[kk] = vv
		}
		out[k] = val
		s.push(value.Map(out))
		return nil
	case value.KindList:
		l, err := container.List()
		if err != nil {
			return err
		}
		idx, err := key.Int()
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(l) {
			return &EvalError{Msg: "PUT: array index out of range"}
		}
		out := append([]value.Value(nil), l...)
		out[idx] = val
		s.push(value.List(out...))
		return nil
	default:
		return &EvalError{Msg: "PUT: unsupported container kind"}
	}
}
