// Package mysql persists the transcript archive: one record per completed
// turn with the input, response, classified intent and the plan that was
// produced. Records can live in an append-only JSONL file, in MySQL or in an
// embedded SQLite database; the SQL backends share embedded migrations from
// deploy/migrations.
package mysql
