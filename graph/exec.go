package graph

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/UkralStul/collab-doc-service/internal/dataloader"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

//go:embed schema.graphqls
var schemaSource string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSource})

// NewExecutableSchema связывает схему с резолверами.
func NewExecutableSchema(r *Resolver) graphql.ExecutableSchema {
	return &executableSchema{
		comments: r.Comments,
		fields:   r.fields(),
		streams:  r.streams(),
	}
}

type executableSchema struct {
	comments storage.Collection[domain.Comment]
	fields   map[string]map[string]fieldFunc
	streams  map[string]streamFunc
}

func (e *executableSchema) Schema() *ast.Schema {
	return parsedSchema
}

func (e *executableSchema) Complexity(typeName, field string, childComplexity int, args map[string]interface{}) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	opCtx := graphql.GetOperationContext(ctx)

	switch opCtx.Operation.Operation {
	case ast.Query, ast.Mutation:
		root := "Query"
		if opCtx.Operation.Operation == ast.Mutation {
			root = "Mutation"
		}
		// Корневые поля мутации выполняются по порядку.
		run := e.newRun(opCtx)
		data, _ := run.object(ctx, root, opCtx.Operation.SelectionSet, nil, nil)
		return graphql.OneShot(run.response(data))
	case ast.Subscription:
		return e.subscribe(ctx, opCtx)
	default:
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unsupported operation %q", opCtx.Operation.Operation))
	}
}

func (e *executableSchema) subscribe(ctx context.Context, opCtx *graphql.OperationContext) graphql.ResponseHandler {
	fields := graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{"Subscription"})
	if len(fields) != 1 {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "subscription must select exactly one top level field"))
	}
	f := fields[0]
	path := ast.Path{ast.PathName(f.Alias)}

	open, ok := e.streams[f.Name]
	if !ok {
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unknown subscription field %q", f.Name))
	}
	next, err := open(ctx, f.ArgumentMap(opCtx.Variables))
	if err != nil {
		run := e.newRun(opCtx)
		run.fail(path, err)
		return graphql.OneShot(run.response(nil))
	}

	return func(ctx context.Context) *graphql.Response {
		v, ok := next(ctx)
		if !ok {
			return nil
		}
		// Свежие лоадеры на каждое событие: соединение живет долго.
		ctx = dataloader.WithLoaders(ctx, dataloader.NewLoaders(e.comments))
		run := e.newRun(opCtx)
		val, ok := run.complete(ctx, f.Definition.Type, f.Selections, v, path)
		if !ok {
			return run.response(nil)
		}
		data := &object{}
		data.set(f.Alias, val)
		return run.response(data)
	}
}

func (e *executableSchema) newRun(opCtx *graphql.OperationContext) *run {
	return &run{schema: parsedSchema, fields: e.fields, opCtx: opCtx}
}

// run - выполнение одного ответа. Ошибки копятся в errs,
// null поднимается до ближайшего nullable поля.
type run struct {
	schema *ast.Schema
	fields map[string]map[string]fieldFunc
	opCtx  *graphql.OperationContext

	mu   sync.Mutex
	errs gqlerror.List
}

func (r *run) fail(path ast.Path, err error) {
	gerr := &gqlerror.Error{Message: err.Error(), Path: path}
	if code := errorCode(err); code != "" {
		gerr.Extensions = map[string]interface{}{"code": code}
	}
	r.mu.Lock()
	r.errs = append(r.errs, gerr)
	r.mu.Unlock()
}

func (r *run) response(data any) *graphql.Response {
	raw, err := json.Marshal(data)
	if err != nil {
		r.fail(nil, fmt.Errorf("marshal response: %w", err))
		raw = []byte("null")
	}
	return &graphql.Response{Data: raw, Errors: r.errs}
}

// object выполняет выборку полей над значением объектного типа.
// false - значение стало null, а тип поля этого не допускает.
func (r *run) object(ctx context.Context, typeName string, sel ast.SelectionSet, obj any, path ast.Path) (any, bool) {
	out := &object{}
	for _, f := range graphql.CollectFields(r.opCtx, sel, []string{typeName}) {
		fpath := appendPath(path, ast.PathName(f.Alias))
		if f.Name == "__typename" {
			out.set(f.Alias, typeName)
			continue
		}

		resolve, ok := r.fields[typeName][f.Name]
		if !ok || f.Definition == nil {
			r.fail(fpath, fmt.Errorf("field %s.%s is not resolvable", typeName, f.Name))
			out.set(f.Alias, nil)
			continue
		}

		v, err := resolve(ctx, obj, f.ArgumentMap(r.opCtx.Variables))
		if err != nil {
			r.fail(fpath, err)
			if f.Definition.Type.NonNull {
				return nil, false
			}
			out.set(f.Alias, nil)
			continue
		}

		val, ok := r.complete(ctx, f.Definition.Type, f.Selections, v, fpath)
		if !ok {
			return nil, false
		}
		out.set(f.Alias, val)
	}
	return out, true
}

func (r *run) complete(ctx context.Context, typ *ast.Type, sel ast.SelectionSet, v any, path ast.Path) (any, bool) {
	if isNull(v) {
		if typ.NonNull {
			r.fail(path, errors.New("must not be null"))
			return nil, false
		}
		return nil, true
	}

	var (
		out any
		ok  bool
	)
	def := r.schema.Types[typ.NamedType]
	switch {
	case typ.Elem != nil:
		out, ok = r.list(ctx, typ.Elem, sel, v, path)
	case def != nil && def.Kind == ast.Object:
		out, ok = r.object(ctx, def.Name, sel, indirect(v), path)
	default:
		var err error
		out, err = scalar(typ.NamedType, indirect(v))
		if err != nil {
			r.fail(path, err)
		}
		ok = err == nil
	}

	if !ok && !typ.NonNull {
		return nil, true
	}
	return out, ok
}

// list выполняет элементы параллельно, чтобы дата-лоадер собрал их ключи в одну пачку.
func (r *run) list(ctx context.Context, elem *ast.Type, sel ast.SelectionSet, v any, path ast.Path) (any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		r.fail(path, fmt.Errorf("expected list, got %T", v))
		return nil, false
	}

	out := make([]any, rv.Len())
	oks := make([]bool, rv.Len())
	var wg sync.WaitGroup
	for i := 0; i < rv.Len(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ipath := appendPath(path, ast.PathIndex(i))
			defer func() {
				if p := recover(); p != nil {
					r.fail(ipath, fmt.Errorf("internal system error: %v", p))
					oks[i] = false
				}
			}()
			out[i], oks[i] = r.complete(ctx, elem, sel, rv.Index(i).Interface(), ipath)
		}(i)
	}
	wg.Wait()

	for _, ok := range oks {
		if !ok {
			return nil, false
		}
	}
	return out, true
}

func scalar(typeName string, v any) (any, error) {
	switch typeName {
	case "Time":
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case "CommentStatus":
		if s, ok := v.(string); ok {
			return strings.ToUpper(s), nil
		}
	case "ID", "String":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case "Boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case "Float":
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case "Int":
		if n, ok := v.(int); ok {
			return n, nil
		}
	}
	return nil, fmt.Errorf("cannot marshal %T as %s", v, typeName)
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func indirect(v any) any {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr {
		return rv.Elem().Interface()
	}
	return v
}

func appendPath(path ast.Path, el ast.PathElement) ast.Path {
	out := make(ast.Path, len(path), len(path)+1)
	copy(out, path)
	return append(out, el)
}

// object - JSON-объект, сохраняющий порядок полей выборки.
type object struct {
	keys []string
	vals []any
}

func (o *object) set(key string, v any) {
	o.keys = append(o.keys, key)
	o.vals = append(o.vals, v)
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.vals[i])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
