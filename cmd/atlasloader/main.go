// atlasloader prints the catalog schema as SQL for atlas:
//
//	data "external_schema" "gorm" {
//	  program = ["go", "run", "-mod=mod", "./cmd/atlasloader"]
//	}
package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/chunkmeta/chunkmeta/pkg/metastore/db/dbmodel"
)

func main() {
	dialect := "postgres"
	if len(os.Args) > 1 {
		dialect = os.Args[1]
	}
	stmts, err := gormschema.New(dialect).Load(dbmodel.AllModels()...)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	_, _ = io.WriteString(os.Stdout, stmts)
}
