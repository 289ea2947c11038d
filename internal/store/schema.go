package store

import (
	"fmt"
	"regexp"
	"strings"
)

const metadataTable = "service_metadata"

// metadataID is the fixed identifier of the run-state singleton row.
const metadataID = 1

// Column widths of the inventory tables.
const (
	nameWidth      = 90
	publisherWidth = 90
	versionWidth   = 50
	hostnameWidth  = 80
)

// recordColumns is the column order used by every insert and select.
var recordColumns = []string{"name", "publisher", "installDate", "programSize", "version", "hostname", "isNew"}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return &InvalidIdentifierError{Name: name}
	}
	return nil
}

func (d *dialect) recordTableDDL(table string) (string, []any) {
	cols := strings.Join([]string{
		"name " + d.textType(nameWidth),
		"publisher " + d.textType(publisherWidth),
		"installDate DATE",
		"programSize " + d.intType,
		"version " + d.textType(versionWidth),
		"hostname " + d.textType(hostnameWidth),
		"isNew " + d.boolType + " NOT NULL",
	}, ", ")
	return d.createIfMissing(table, cols)
}

func (d *dialect) metadataTableDDL(defaultInterval int) (string, []any) {
	cols := strings.Join([]string{
		"identifier INTEGER PRIMARY KEY",
		fmt.Sprintf("service_active %s NOT NULL DEFAULT %s", d.boolType, d.falseLit),
		"last_inventory_start " + d.timeType + " NULL",
		"last_end_time " + d.timeType + " NULL",
		"next_inventory_run " + d.timeType + " NULL",
		fmt.Sprintf("interval_weeks INTEGER NOT NULL DEFAULT %d", defaultInterval),
	}, ", ")
	return d.createIfMissing(metadataTable, cols)
}
