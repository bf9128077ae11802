package entity

import (
	"fmt"
	"reflect"
	"time"

	"github.com/roach88/tillsync/internal/remote"
)

var timeType = reflect.TypeOf(time.Time{})

type field struct {
	name string
	typ  reflect.Type
}

// fieldsOf lists the db-tagged fields of struct type t in declaration order,
// flattening embedded structs the same way sqlx does.
func fieldsOf(t reflect.Type) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Type != timeType {
			out = append(out, fieldsOf(f.Type)...)
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" || !f.IsExported() {
			continue
		}
		out = append(out, field{name: tag, typ: f.Type})
	}
	return out
}

func columnNames[T any]() []string {
	fields := fieldsOf(reflect.TypeOf((*T)(nil)).Elem())
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

func remoteColumns[T any]() []remote.Column {
	fields := fieldsOf(reflect.TypeOf((*T)(nil)).Elem())
	cols := make([]remote.Column, len(fields))
	for i, f := range fields {
		typ := f.typ
		nullable := false
		if typ.Kind() == reflect.Pointer {
			typ = typ.Elem()
			nullable = true
		}
		cols[i] = remote.Column{Name: f.name, Type: columnType(typ), Nullable: nullable}
	}
	return cols
}

func columnType(t reflect.Type) remote.ColumnType {
	switch {
	case t == timeType:
		return remote.Timestamp
	case t.Kind() == reflect.String:
		return remote.Text
	case t.Kind() == reflect.Bool:
		return remote.Boolean
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Int64:
		return remote.Integer
	default:
		panic(fmt.Sprintf("entity: unsupported wire field type %s", t))
	}
}
