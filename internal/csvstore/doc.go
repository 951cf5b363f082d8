// Package csvstore keeps the ledger and history as CSV files, the layout
// operators already open in a spreadsheet.
//
// The ledger file is rewritten whole on every mutation through a temporary
// file that atomically replaces the old one, so readers never see a partial
// table. The id high-water mark lives next to it in "<ledger>.seq".
//
// The history file is append-only. A failed append truncates the file back
// to its previous length so earlier rows stay intact, and event ids already
// present are skipped so a retried append never duplicates a row.
package csvstore
