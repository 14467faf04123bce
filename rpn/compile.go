package rpn

import (
	"fmt"

	"github.com/google/splot-local/internal/value"
)

type stepKind int

const (
	stepLiteral stepKind = iota
	stepVar
	stepOp
	stepIf
	stepCase
	stepDo
)

type step struct {
	kind stepKind

	// stepLiteral
	lit value.Value
	// stepVar, stepOp
	name string
	// stepIf
	then []step
	els  []step
	// stepCase
	branches []caseBranch
	dflt     []step
	// stepDo
	body []step
}

type caseBranch struct {
	label []step
	body  []step
}

// Program is a compiled RPN recipe, ready to evaluate against a Context any
// number of times.
type Program struct {
	source string
	steps  []step
	vars   map[string]bool
}

// Source returns the original recipe text the Program was compiled from.
func (p *Program) Source() string { return p.source }

// Variables returns the set of variable names this program references,
// including inside nested IF/CASE/DO bodies. Used to register the program
// as a Context dependent.
func (p *Program) Variables() map[string]bool {
	out := make(map[string]bool, len(p.vars))
	for k := range p.vars {
		out[k] = true
	}
	return out
}

// Compile tokenizes and parses source into a Program. Compile errors
// (unknown tokens, unbalanced branch constructs) are returned as
// *CompileError.
func Compile(source string) (*Program, error) {
	toks, err := tokenize(source)
	if err != nil {
		return nil, err
	}
	vars := map[string]bool{}
	steps, pos, stop, err := parseSteps(toks, 0, nil, vars)
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, &CompileError{Msg: fmt.Sprintf("unexpected %q with no matching opener", stop)}
	}
	if pos != len(toks) {
		return nil, &CompileError{Msg: "trailing tokens after program end"}
	}
	return &Program{source: source, steps: steps, vars: vars}, nil
}

// parseSteps consumes tokens from pos until it encounters a keyword in
// terms (which it consumes and returns as stop), or runs out of tokens (in
// which case stop is ""). Nested IF/CASE/DO constructs are fully consumed
// by recursive calls before control returns here, so a terminator keyword
// seen at this level always belongs to the construct that called us.
func parseSteps(toks []token, pos int, terms map[string]bool, vars map[string]bool) ([]step, int, string, error) {
	var steps []step
	for {
		if pos >= len(toks) {
			return steps, pos, "", nil
		}
		tok := toks[pos]
		if tok.kind == tokKeyword && terms != nil && terms[tok.text] {
			return steps, pos + 1, tok.text, nil
		}
		switch {
		case tok.kind == tokKeyword && tok.text == "IF":
			thenSteps, p2, stop, err := parseSteps(toks, pos+1, map[string]bool{"ELSE": true, "ENDIF": true}, vars)
			if err != nil {
				return nil, 0, "", err
			}
			var elseSteps []step
			if stop == "ELSE" {
				elseSteps, p2, stop, err = parseSteps(toks, p2, map[string]bool{"ENDIF": true}, vars)
				if err != nil {
					return nil, 0, "", err
				}
			}
			if stop != "ENDIF" {
				return nil, 0, "", &CompileError{Msg: "IF without matching ENDIF"}
			}
			steps = append(steps, step{kind: stepIf, then: thenSteps, els: elseSteps})
			pos = p2

		case tok.kind == tokKeyword && (tok.text == "ELSE" || tok.text == "ENDIF" || tok.text == "OF" || tok.text == "ENDOF" || tok.text == "ENDCASE" || tok.text == "LOOP"):
			return nil, 0, "", &CompileError{Msg: fmt.Sprintf("unexpected %q", tok.text)}

		case tok.kind == tokKeyword && tok.text == "CASE":
			var cs step
			cs.kind = stepCase
			cur := pos + 1
			for {
				seg, p2, stop, err := parseSteps(toks, cur, map[string]bool{"OF": true, "ENDCASE": true}, vars)
				if err != nil {
					return nil, 0, "", err
				}
				if stop == "OF" {
					body, p3, stop2, err := parseSteps(toks, p2, map[string]bool{"ENDOF": true}, vars)
					if err != nil {
						return nil, 0, "", err
					}
					if stop2 != "ENDOF" {
						return nil, 0, "", &CompileError{Msg: "CASE branch without matching ENDOF"}
					}
					cs.branches = append(cs.branches, caseBranch{label: seg, body: body})
					cur = p3
					continue
				}
				if stop == "ENDCASE" {
					cs.dflt = seg
					cur = p2
					break
				}
				return nil, 0, "", &CompileError{Msg: "CASE without matching ENDCASE"}
			}
			steps = append(steps, cs)
			pos = cur

		case tok.kind == tokKeyword && tok.text == "DO":
			body, p2, stop, err := parseSteps(toks, pos+1, map[string]bool{"LOOP": true}, vars)
			if err != nil {
				return nil, 0, "", err
			}
			if stop != "LOOP" {
				return nil, 0, "", &CompileError{Msg: "DO without matching LOOP"}
			}
			steps = append(steps, step{kind: stepDo, body: body})
			pos = p2

		case tok.kind == tokNumber:
			isInt, i, r, err := parseNumber(tok.text)
			if err != nil {
				return nil, 0, "", &CompileError{Msg: fmt.Sprintf("malformed numeric literal %q", tok.text)}
			}
			if isInt {
				steps = append(steps, step{kind: stepLiteral, lit: value.Int(i)})
			} else {
				steps = append(steps, step{kind: stepLiteral, lit: value.Real(r)})
			}
			pos++

		case tok.kind == tokString:
			steps = append(steps, step{kind: stepLiteral, lit: value.Text(tok.text)})
			pos++

		case tok.kind == tokVariable:
			vars[tok.text] = true
			steps = append(steps, step{kind: stepVar, name: tok.text})
			pos++

		case tok.kind == tokOperator:
			steps = append(steps, step{kind: stepOp, name: tok.text})
			pos++

		default:
			return nil, 0, "", &CompileError{Msg: fmt.Sprintf("unexpected token %q", tok.text)}
		}
	}
}
