package expression

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/periscope-dev/engine/pkg/models"
)

// Compiled is a parsed, whitelist-checked expression ready for repeated
// evaluation against variable snapshots.
type Compiled struct {
	src  string
	root exprNode
}

// Compile parses an expression, rejecting any construct outside the
// whitelist with ErrExpressionRejected.
func Compile(src string) (*Compiled, error) {
	if strings.TrimSpace(src) == "" {
		return nil, rejectf(0, "empty expression")
	}

	root, err := parse(src)
	if err != nil {
		return nil, err
	}

	return &Compiled{src: src, root: root}, nil
}

// Evaluate parses and evaluates in one step.
func Evaluate(src string, vars map[string]models.Value) (models.Value, error) {
	c, err := Compile(src)
	if err != nil {
		return models.Null(), err
	}

	return c.Eval(vars)
}

// EvaluateBool evaluates a guard and reduces the result to truthiness.
func EvaluateBool(src string, vars map[string]models.Value) (bool, error) {
	v, err := Evaluate(src, vars)
	if err != nil {
		return false, err
	}

	return v.Truthy(), nil
}

// Eval evaluates the compiled expression. A reference to a missing variable
// yields null rather than an error, so guards like `error == null` work.
func (c *Compiled) Eval(vars map[string]models.Value) (models.Value, error) {
	return evalNode(c.root, vars)
}

// Source returns the original expression text.
func (c *Compiled) Source() string { return c.src }

func evalNode(node exprNode, vars map[string]models.Value) (models.Value, error) {
	switch n := node.(type) {
	case *literalNode:
		v, err := models.FromAny(n.val)
		if err != nil {
			return models.Null(), evalErr(n.at, "invalid literal")
		}

		return v, nil
	case *identNode:
		if v, ok := vars[n.name]; ok {
			return v, nil
		}

		return models.Null(), nil
	case *listNode:
		items := make([]models.Value, len(n.items))

		for i, item := range n.items {
			v, err := evalNode(item, vars)
			if err != nil {
				return models.Null(), err
			}

			items[i] = v
		}

		return models.ArrayValue(items), nil
	case *unaryNode:
		return evalUnary(n, vars)
	case *binaryNode:
		return evalBinary(n, vars)
	case *attrNode:
		target, err := evalNode(n.target, vars)
		if err != nil {
			return models.Null(), err
		}

		if target.Kind == models.KindObject {
			if v, ok := target.Obj[n.name]; ok {
				return v, nil
			}
		}

		return models.Null(), nil
	case *indexNode:
		return evalIndex(n, vars)
	case *callNode:
		return evalCall(n, vars)
	default:
		return models.Null(), evalErr(node.pos(), "unknown node")
	}
}

func evalUnary(n *unaryNode, vars map[string]models.Value) (models.Value, error) {
	operand, err := evalNode(n.operand, vars)
	if err != nil {
		return models.Null(), err
	}

	switch n.op {
	case "not":
		return models.BooleanValue(!operand.Truthy()), nil
	case "-":
		if operand.Kind == models.KindInteger {
			return models.IntegerValue(-operand.Int), nil
		}

		if operand.Kind == models.KindNumber {
			return models.NumberValue(-operand.Num), nil
		}

		return models.Null(), evalErr(n.at, "unary minus on non-numeric value")
	case "+":
		if !operand.IsNumeric() {
			return models.Null(), evalErr(n.at, "unary plus on non-numeric value")
		}

		return operand, nil
	default:
		return models.Null(), evalErr(n.at, "unknown unary operator")
	}
}

func evalBinary(n *binaryNode, vars map[string]models.Value) (models.Value, error) {
	// Short-circuit connectives evaluate lazily.
	switch n.op {
	case "and":
		left, err := evalNode(n.left, vars)
		if err != nil {
			return models.Null(), err
		}

		if !left.Truthy() {
			return models.BooleanValue(false), nil
		}

		right, err := evalNode(n.right, vars)
		if err != nil {
			return models.Null(), err
		}

		return models.BooleanValue(right.Truthy()), nil
	case "or":
		left, err := evalNode(n.left, vars)
		if err != nil {
			return models.Null(), err
		}

		if left.Truthy() {
			return models.BooleanValue(true), nil
		}

		right, err := evalNode(n.right, vars)
		if err != nil {
			return models.Null(), err
		}

		return models.BooleanValue(right.Truthy()), nil
	}

	left, err := evalNode(n.left, vars)
	if err != nil {
		return models.Null(), err
	}

	right, err := evalNode(n.right, vars)
	if err != nil {
		return models.Null(), err
	}

	switch n.op {
	case "==", "is":
		return models.BooleanValue(left.Equal(right)), nil
	case "!=", "is not":
		return models.BooleanValue(!left.Equal(right)), nil
	case "<", ">", "<=", ">=":
		cmp, ok := left.Compare(right)
		if !ok {
			return models.Null(), evalErr(n.at, "values are not comparable")
		}

		switch n.op {
		case "<":
			return models.BooleanValue(cmp < 0), nil
		case ">":
			return models.BooleanValue(cmp > 0), nil
		case "<=":
			return models.BooleanValue(cmp <= 0), nil
		default:
			return models.BooleanValue(cmp >= 0), nil
		}
	case "in":
		ok, err := contains(right, left, n.at)
		if err != nil {
			return models.Null(), err
		}

		return models.BooleanValue(ok), nil
	case "not in":
		ok, err := contains(right, left, n.at)
		if err != nil {
			return models.Null(), err
		}

		return models.BooleanValue(!ok), nil
	case "+", "-", "*", "/", "%", "**":
		return evalArithmetic(n.op, left, right, n.at)
	default:
		return models.Null(), evalErr(n.at, "unknown operator")
	}
}

func contains(container, item models.Value, at int) (bool, error) {
	switch container.Kind {
	case models.KindArray:
		for _, elem := range container.Arr {
			if elem.Equal(item) {
				return true, nil
			}
		}

		return false, nil
	case models.KindString:
		if item.Kind != models.KindString {
			return false, nil
		}

		return strings.Contains(container.Str, item.Str), nil
	case models.KindObject:
		if item.Kind != models.KindString {
			return false, nil
		}

		_, ok := container.Obj[item.Str]

		return ok, nil
	case models.KindNull, "":
		return false, nil
	default:
		return false, evalErr(at, "membership test on non-container value")
	}
}

func evalArithmetic(op string, left, right models.Value, at int) (models.Value, error) {
	// String concatenation is the one non-numeric arithmetic case.
	if op == "+" && left.Kind == models.KindString && right.Kind == models.KindString {
		return models.StringValue(left.Str + right.Str), nil
	}

	if !left.IsNumeric() || !right.IsNumeric() {
		return models.Null(), evalErr(at, "arithmetic on non-numeric value")
	}

	bothInt := left.Kind == models.KindInteger && right.Kind == models.KindInteger

	switch op {
	case "+":
		if bothInt {
			return models.IntegerValue(left.Int + right.Int), nil
		}

		return models.NumberValue(left.Float() + right.Float()), nil
	case "-":
		if bothInt {
			return models.IntegerValue(left.Int - right.Int), nil
		}

		return models.NumberValue(left.Float() - right.Float()), nil
	case "*":
		if bothInt {
			return models.IntegerValue(left.Int * right.Int), nil
		}

		return models.NumberValue(left.Float() * right.Float()), nil
	case "/":
		if right.Float() == 0 {
			return models.Null(), evalErr(at, "division by zero")
		}

		return models.NumberValue(left.Float() / right.Float()), nil
	case "%":
		if bothInt {
			if right.Int == 0 {
				return models.Null(), evalErr(at, "modulo by zero")
			}

			return models.IntegerValue(left.Int % right.Int), nil
		}

		if right.Float() == 0 {
			return models.Null(), evalErr(at, "modulo by zero")
		}

		return models.NumberValue(math.Mod(left.Float(), right.Float())), nil
	case "**":
		result := math.Pow(left.Float(), right.Float())
		if bothInt && right.Int >= 0 && result == math.Trunc(result) && math.Abs(result) < 1e15 {
			return models.IntegerValue(int64(result)), nil
		}

		return models.NumberValue(result), nil
	default:
		return models.Null(), evalErr(at, "unknown arithmetic operator")
	}
}

func evalIndex(n *indexNode, vars map[string]models.Value) (models.Value, error) {
	target, err := evalNode(n.target, vars)
	if err != nil {
		return models.Null(), err
	}

	idx, err := evalNode(n.index, vars)
	if err != nil {
		return models.Null(), err
	}

	switch target.Kind {
	case models.KindArray:
		if idx.Kind != models.KindInteger {
			return models.Null(), evalErr(n.at, "array index must be an integer")
		}

		i := idx.Int
		if i < 0 {
			i += int64(len(target.Arr))
		}

		if i < 0 || i >= int64(len(target.Arr)) {
			return models.Null(), nil
		}

		return target.Arr[i], nil
	case models.KindObject:
		if idx.Kind != models.KindString {
			return models.Null(), evalErr(n.at, "object key must be a string")
		}

		if strings.HasPrefix(idx.Str, "__") {
			return models.Null(), evalErr(n.at, "double-underscore attribute access is not allowed")
		}

		if v, ok := target.Obj[idx.Str]; ok {
			return v, nil
		}

		return models.Null(), nil
	case models.KindNull, "":
		return models.Null(), nil
	default:
		return models.Null(), evalErr(n.at, "indexing non-container value")
	}
}

func evalErr(pos int, msg string) error {
	return fmt.Errorf("%w: %s at position %d", models.ErrExpressionRejected, msg, pos)
}

func numberLiteral(t token) (exprNode, error) {
	if strings.ContainsRune(t.text, '.') {
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, rejectf(t.pos, "invalid number %q", t.text)
		}

		return &literalNode{at: t.pos, val: f}, nil
	}

	i, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return nil, rejectf(t.pos, "invalid number %q", t.text)
	}

	return &literalNode{at: t.pos, val: i}, nil
}

func evalCall(n *callNode, vars map[string]models.Value) (models.Value, error) {
	args := make([]models.Value, len(n.args))

	for i, arg := range n.args {
		v, err := evalNode(arg, vars)
		if err != nil {
			return models.Null(), err
		}

		args[i] = v
	}

	switch n.fn {
	case "len":
		return fnLen(args, n.at)
	case "str":
		return fnStr(args, n.at)
	case "int":
		return fnInt(args, n.at)
	case "float":
		return fnFloat(args, n.at)
	case "bool":
		if len(args) != 1 {
			return models.Null(), evalErr(n.at, "bool takes one argument")
		}

		return models.BooleanValue(args[0].Truthy()), nil
	case "max":
		return fnExtreme(args, n.at, true)
	case "min":
		return fnExtreme(args, n.at, false)
	case "sum":
		return fnSum(args, n.at)
	case "abs":
		return fnAbs(args, n.at)
	case "round":
		return fnRound(args, n.at)
	case "sorted":
		return fnSorted(args, n.at)
	default:
		return models.Null(), evalErr(n.at, "function not whitelisted")
	}
}

func fnLen(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 {
		return models.Null(), evalErr(at, "len takes one argument")
	}

	switch args[0].Kind {
	case models.KindString:
		return models.IntegerValue(int64(len(args[0].Str))), nil
	case models.KindArray:
		return models.IntegerValue(int64(len(args[0].Arr))), nil
	case models.KindObject:
		return models.IntegerValue(int64(len(args[0].Obj))), nil
	default:
		return models.Null(), evalErr(at, "len of non-sized value")
	}
}

func fnStr(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 {
		return models.Null(), evalErr(at, "str takes one argument")
	}

	v := args[0]

	switch v.Kind {
	case models.KindString:
		return v, nil
	case models.KindNull, "":
		return models.StringValue("null"), nil
	case models.KindInteger:
		return models.StringValue(strconv.FormatInt(v.Int, 10)), nil
	case models.KindNumber:
		return models.StringValue(strconv.FormatFloat(v.Num, 'g', -1, 64)), nil
	case models.KindBoolean:
		return models.StringValue(strconv.FormatBool(v.Bool)), nil
	default:
		return models.StringValue(fmt.Sprintf("%v", v.Interface())), nil
	}
}

func fnInt(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 {
		return models.Null(), evalErr(at, "int takes one argument")
	}

	v := args[0]

	switch v.Kind {
	case models.KindInteger:
		return v, nil
	case models.KindNumber:
		return models.IntegerValue(int64(v.Num)), nil
	case models.KindBoolean:
		if v.Bool {
			return models.IntegerValue(1), nil
		}

		return models.IntegerValue(0), nil
	case models.KindString:
		if i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return models.IntegerValue(i), nil
		}

		return models.Null(), evalErr(at, "string is not an integer")
	default:
		return models.Null(), evalErr(at, "int of non-numeric value")
	}
}

func fnFloat(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 {
		return models.Null(), evalErr(at, "float takes one argument")
	}

	v := args[0]

	switch v.Kind {
	case models.KindNumber:
		return v, nil
	case models.KindInteger:
		return models.NumberValue(float64(v.Int)), nil
	case models.KindString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return models.NumberValue(f), nil
		}

		return models.Null(), evalErr(at, "string is not a number")
	default:
		return models.Null(), evalErr(at, "float of non-numeric value")
	}
}

func fnExtreme(args []models.Value, at int, wantMax bool) (models.Value, error) {
	items := args
	if len(args) == 1 && args[0].Kind == models.KindArray {
		items = args[0].Arr
	}

	if len(items) == 0 {
		return models.Null(), evalErr(at, "max/min of empty sequence")
	}

	best := items[0]

	for _, item := range items[1:] {
		cmp, ok := item.Compare(best)
		if !ok {
			return models.Null(), evalErr(at, "values are not comparable")
		}

		if (wantMax && cmp > 0) || (!wantMax && cmp < 0) {
			best = item
		}
	}

	return best, nil
}

func fnSum(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 || args[0].Kind != models.KindArray {
		return models.Null(), evalErr(at, "sum takes one array argument")
	}

	allInt := true
	var intSum int64
	var floatSum float64

	for _, item := range args[0].Arr {
		if !item.IsNumeric() {
			return models.Null(), evalErr(at, "sum of non-numeric item")
		}

		if item.Kind != models.KindInteger {
			allInt = false
		}

		intSum += item.Int
		floatSum += item.Float()
	}

	if allInt {
		return models.IntegerValue(intSum), nil
	}

	return models.NumberValue(floatSum), nil
}

func fnAbs(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 || !args[0].IsNumeric() {
		return models.Null(), evalErr(at, "abs takes one numeric argument")
	}

	v := args[0]
	if v.Kind == models.KindInteger {
		if v.Int < 0 {
			return models.IntegerValue(-v.Int), nil
		}

		return v, nil
	}

	return models.NumberValue(math.Abs(v.Num)), nil
}

func fnRound(args []models.Value, at int) (models.Value, error) {
	if len(args) < 1 || len(args) > 2 || !args[0].IsNumeric() {
		return models.Null(), evalErr(at, "round takes a numeric argument and optional precision")
	}

	if len(args) == 1 {
		return models.IntegerValue(int64(math.Round(args[0].Float()))), nil
	}

	if args[1].Kind != models.KindInteger {
		return models.Null(), evalErr(at, "round precision must be an integer")
	}

	scale := math.Pow(10, float64(args[1].Int))

	return models.NumberValue(math.Round(args[0].Float()*scale) / scale), nil
}

func fnSorted(args []models.Value, at int) (models.Value, error) {
	if len(args) != 1 || args[0].Kind != models.KindArray {
		return models.Null(), evalErr(at, "sorted takes one array argument")
	}

	out := make([]models.Value, len(args[0].Arr))
	copy(out, args[0].Arr)

	var sortErr error

	sort.SliceStable(out, func(i, j int) bool {
		cmp, ok := out[i].Compare(out[j])
		if !ok {
			sortErr = evalErr(at, "values are not comparable")

			return false
		}

		return cmp < 0
	})

	if sortErr != nil {
		return models.Null(), sortErr
	}

	return models.ArrayValue(out), nil
}
