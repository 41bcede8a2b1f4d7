// Package mysql opens pooled MySQL connections and applies the embedded schema
// migrations used by the pet store.
package mysql
