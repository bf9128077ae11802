// Package entity declares the syncable business tables.
//
// Each table has two typed shapes: the local row (camelCase SQLite columns)
// and the wire row (snake_case remote columns). A Mapping pairs them with
// explicit conversion functions, so every field crossing the boundary is
// named in code and checked by the compiler rather than looked up in a
// string map at runtime.
//
// Registry returns all mappings in foreign-key-safe order: a table never
// appears before a table it references.
//
// Writes made through a Mapping (Insert, Update, SoftDelete) take their
// updatedAt from the store transaction stamp. Deletes are tombstones:
// deletedAt is set and the row stays, so the delete syncs like any update.
package entity
