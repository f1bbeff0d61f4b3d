package tools

import (
	"context"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

type listFilesOutput struct {
	Files []string `json:"files"`
	Count int      `json:"count"`
}

func listFilesTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("list_files",
		"List the files defined in the account's VOC.",
		func(ctx context.Context, _ noInput) (listFilesOutput, error) {
			names, err := d.Manager.ListFiles(ctx)
			if err != nil {
				return listFilesOutput{}, toolError(err)
			}
			if names == nil {
				names = []string{}
			}
			return listFilesOutput{Files: names, Count: len(names)}, nil
		}).ReadOnly().ToTool()
}

type fileInput struct {
	File string `json:"file" description:"File name as it appears in the VOC; prefix with DICT for its dictionary" jsonschema:"required,minLength=1,maxLength=255"`
}

func (in fileInput) validate() error {
	return validateFileName(in.File)
}

// validateFileName accepts a VOC file name or its "DICT name" form.
func validateFileName(name string) error {
	base, _ := connection.ParseFileName(name)
	if err := security.FileNameValidator.Validate(base); err != nil {
		return invalidInput("file: %v", err)
	}
	return nil
}

type openFileOutput struct {
	File   string `json:"file"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
}

func openFileTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("open_file",
		"Open a file and keep its handle for the rest of the session. Record tools open files on demand.",
		func(ctx context.Context, in fileInput) (openFileOutput, error) {
			if err := in.validate(); err != nil {
				return openFileOutput{}, err
			}
			info, err := d.Manager.OpenFile(ctx, in.File)
			if err != nil {
				return openFileOutput{}, toolError(err)
			}
			return openFileOutput{File: info.Name, Status: "open", Cached: info.Cached}, nil
		}).ReadOnly().ToTool()
}

type recordInput struct {
	File string `json:"file" description:"File name" jsonschema:"required,minLength=1,maxLength=255"`
	ID   string `json:"id" description:"Record id" jsonschema:"required,minLength=1,maxLength=255"`
	Dict bool   `json:"dict,omitempty" description:"Use the file's dictionary instead of its data"`
}

// file returns the name to open, "DICT name" when Dict is set.
func (in recordInput) file() string {
	base, dict := connection.ParseFileName(in.File)
	return connection.FileName(base, dict || in.Dict)
}

func (in recordInput) validate() error {
	if err := validateFileName(in.File); err != nil {
		return err
	}
	if err := security.RecordIDValidator.Validate(in.ID); err != nil {
		return invalidInput("id: %v", err)
	}
	return nil
}

type readRecordOutput struct {
	File       string `json:"file"`
	ID         string `json:"id"`
	Attributes int    `json:"attributes"`
	Fields     []any  `json:"fields"`
}

func readRecordTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("read_record",
		"Read a record. fields[0] is attribute 1; a multi-valued attribute is a list of values and a "+
			"sub-valued value is a list of subvalues.",
		func(ctx context.Context, in recordInput) (readRecordOutput, error) {
			if err := in.validate(); err != nil {
				return readRecordOutput{}, err
			}
			rec, err := d.Manager.ReadRecord(ctx, in.file(), in.ID)
			if err != nil {
				return readRecordOutput{}, toolError(err)
			}
			return readRecordOutput{File: in.file(), ID: in.ID, Attributes: len(rec), Fields: rec.JSON()}, nil
		}).ReadOnly().ToTool()
}

// write_record takes an arbitrary JSON record, so it uses a hand-written
// schema and reads its arguments directly.
func writeRecordTool(d *Deps) mcp.Tool {
	return mcp.Tool{
		Name: "write_record",
		Description: "Write a record, replacing any existing one. fields is either a list (element 0 is attribute 1) " +
			`or an object keyed by attribute number such as {"1": "Smith", "3": ["a", "b"]}; missing attributes are empty. ` +
			"Refused in read-only mode.",
		Schema: mcp.Schema{
			"file":   {Type: "string", Description: "File name", Required: true, MinLength: 1, MaxLength: 255},
			"id":     {Type: "string", Description: "Record id", Required: true, MinLength: 1, MaxLength: 255},
			"fields": {Description: "Record attributes, positional list or object keyed by attribute number", Required: true},
			"dict":   {Type: "boolean", Description: "Write to the file's dictionary instead of its data"},
		},
		Annotations: mcp.ToolAnnotations{DestructiveHint: true},
		Handler: func(ctx context.Context, args mcp.Args) (any, error) {
			in := recordInput{File: args.String("file"), ID: args.String("id"), Dict: args.Bool("dict")}
			if err := in.validate(); err != nil {
				return nil, err
			}
			file, id := in.file(), in.ID
			rec, err := dynarray.FromJSON(args["fields"])
			if err != nil {
				return nil, invalidInput("fields: %v", err)
			}

			if err := d.Manager.WriteRecord(ctx, file, id, rec); err != nil {
				return nil, toolError(err)
			}
			return map[string]any{"status": "written", "file": file, "id": id, "attributes": len(rec)}, nil
		},
	}
}

type deleteRecordOutput struct {
	Status string `json:"status"`
	File   string `json:"file"`
	ID     string `json:"id"`
}

func deleteRecordTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("delete_record",
		"Delete a record. Refused in read-only mode.",
		func(ctx context.Context, in recordInput) (deleteRecordOutput, error) {
			if err := in.validate(); err != nil {
				return deleteRecordOutput{}, err
			}
			if err := d.Manager.DeleteRecord(ctx, in.file(), in.ID); err != nil {
				return deleteRecordOutput{}, toolError(err)
			}
			return deleteRecordOutput{Status: "deleted", File: in.file(), ID: in.ID}, nil
		}).Destructive().ToTool()
}

type listDictionaryOutput struct {
	File  string                `json:"file"`
	Items []connection.DictItem `json:"items"`
	Count int                   `json:"count"`
}

func listDictionaryTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("list_dictionary",
		"List the dictionary of a file: each item's type (D, I, V, PH, X), location, conversion, heading, "+
			"format and whether it is multi-valued. Use the names in queries and read_record with dict=true for the raw item.",
		func(ctx context.Context, in fileInput) (listDictionaryOutput, error) {
			if err := in.validate(); err != nil {
				return listDictionaryOutput{}, err
			}
			base, _ := connection.ParseFileName(in.File)
			items, err := d.Manager.ListDictionary(ctx, base)
			if err != nil {
				return listDictionaryOutput{}, toolError(err)
			}
			if items == nil {
				items = []connection.DictItem{}
			}
			return listDictionaryOutput{File: base, Items: items, Count: len(items)}, nil
		}).ReadOnly().ToTool()
}
