package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Whole-document fallback for servers without the JSON module. Documents
// live as plain string keys holding the full JSON body; the narrow path
// subset the store issues ("$", "$.a.b", "$.a.b[3]") is applied in Go
// with a read-modify-write. Path-scoped write isolation is lost in this
// mode, which is acceptable: the fallback exists for test servers and
// module-less deployments where the engine is the only writer.

// docPath is the parsed form of one of the store's JSONPath expressions.
type docPath struct {
	fields []string
	idx int
	hasIdx bool
}

func parseDocPath(path string) (docPath, error) {
	var p docPath
	if path == "$" {
		return p, nil
	}
	if !strings.HasPrefix(path, "$.") {
		return p, fmt.Errorf("redisstore: unsupported path %q", path)
	}
	rest := path[2:]
	if open := strings.IndexByte(rest, '['); open >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return p, fmt.Errorf("redisstore: unsupported path %q", path)
		}
		idx, err := strconv.Atoi(rest[open+1 : len(rest)-1])
		if err != nil {
			return p, fmt.Errorf("redisstore: unsupported path %q", path)
		}
		p.idx = idx
		p.hasIdx = true
		rest = rest[:open]
	}
	p.fields = strings.Split(rest, ".")
	return p, nil
}

func (s *Store) loadDoc(ctx context.Context, key string) (any, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, key).Bytes()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) saveDoc(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, key, data, 0).Err()
}

// resolveDocPath walks doc down p.fields and the optional index,
// returning the value there, or false if any step is missing.
func resolveDocPath(doc any, p docPath) (any, bool) {
	cur := doc
	for _, f := range p.fields {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[f]
		if !ok {
			return nil, false
		}
	}
	if p.hasIdx {
		arr, ok := cur.([]any)
		if !ok || p.idx < 0 || p.idx >= len(arr) {
			return nil, false
		}
		cur = arr[p.idx]
	}
	return cur, true
}

func (s *Store) plainJSONGet(ctx context.Context, key, path string, dst any) error {
	p, err := parseDocPath(path)
	if err != nil {
		return err
	}
	doc, err := s.loadDoc(ctx, key)
	if err != nil {
		return err
	}
	val, ok := resolveDocPath(doc, p)
	if !ok {
		return ErrNotFound
	}
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// toPlain round-trips value through JSON so the document tree stays
// composed of plain map/slice/scalar nodes.
func toPlain(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) plainJSONSet(ctx context.Context, key, path string, value any) error {
	p, err := parseDocPath(path)
	if err != nil {
		return err
	}
	plain, err := toPlain(value)
	if err != nil {
		return err
	}
	if len(p.fields) == 0 && !p.hasIdx {
		return s.saveDoc(ctx, key, plain)
	}

	doc, err := s.loadDoc(ctx, key)
	if err != nil {
		return err
	}
	parentFields := p.fields
	if !p.hasIdx {
		parentFields = p.fields[:len(p.fields)-1]
	}
	parent, ok := resolveDocPath(doc, docPath{fields: parentFields})
	if !ok {
		return fmt.Errorf("redisstore: path %s does not exist in %s", path, key)
	}
	if p.hasIdx {
		arr, ok := parent.([]any)
		if !ok || p.idx < 0 || p.idx >= len(arr) {
			return fmt.Errorf("redisstore: path %s does not exist in %s", path, key)
		}
		arr[p.idx] = plain
	} else {
		obj, ok := parent.(map[string]any)
		if !ok {
			return fmt.Errorf("redisstore: path %s does not exist in %s", path, key)
		}
		obj[p.fields[len(p.fields)-1]] = plain
	}
	return s.saveDoc(ctx, key, doc)
}

// plainJSONArrAppend appends value to the array at path, creating the
// document and any intermediate objects when absent (mirroring the
// ensureList step the module-backed branch performs before appending).
func (s *Store) plainJSONArrAppend(ctx context.Context, key, path string, value any) error {
	p, err := parseDocPath(path)
	if err != nil {
		return err
	}
	if p.hasIdx || len(p.fields) == 0 {
		return fmt.Errorf("redisstore: cannot append at path %q", path)
	}
	plain, err := toPlain(value)
	if err != nil {
		return err
	}

	doc, err := s.loadDoc(ctx, key)
	if err == ErrNotFound {
		doc = map[string]any{}
	} else if err != nil {
		return err
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("redisstore: document %s is not an object", key)
	}

	obj := root
	for _, f := range p.fields[:len(p.fields)-1] {
		next, ok := obj[f].(map[string]any)
		if !ok {
			next = map[string]any{}
			obj[f] = next
		}
		obj = next
	}
	leaf := p.fields[len(p.fields)-1]
	arr, _ := obj[leaf].([]any)
	obj[leaf] = append(arr, plain)
	return s.saveDoc(ctx, key, root)
}

func (s *Store) plainJSONDel(ctx context.Context, key, path string) error {
	p, err := parseDocPath(path)
	if err != nil {
		return err
	}
	if len(p.fields) == 0 && !p.hasIdx {
		start := time.Now()
		defer s.timeRedisOp(start)
		return s.client.Del(ctx, key).Err()
	}

	doc, err := s.loadDoc(ctx, key)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	parentFields := p.fields
	if !p.hasIdx {
		parentFields = p.fields[:len(p.fields)-1]
	}
	parent, ok := resolveDocPath(doc, docPath{fields: parentFields})
	if !ok {
		return nil
	}
	if p.hasIdx {
		arr, ok := parent.([]any)
		if !ok || p.idx < 0 || p.idx >= len(arr) {
			return nil
		}
		arr = append(arr[:p.idx], arr[p.idx+1:]...)
		// Splicing shrinks the slice; the parent's holder must see the
		// shorter value, so re-set it through the parent object.
		if len(p.fields) == 0 {
			return s.saveDoc(ctx, key, arr)
		}
		holder, ok := resolveDocPath(doc, docPath{fields: p.fields[:len(p.fields)-1]})
		if !ok {
			return nil
		}
		obj, ok := holder.(map[string]any)
		if !ok {
			return nil
		}
		obj[p.fields[len(p.fields)-1]] = arr
	} else {
		obj, ok := parent.(map[string]any)
		if !ok {
			return nil
		}
		delete(obj, p.fields[len(p.fields)-1])
	}
	return s.saveDoc(ctx, key, doc)
}
