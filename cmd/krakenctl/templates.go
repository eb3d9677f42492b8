package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/javiergcw/kraken-sas/sdk/go/kraken"
)

func newTemplatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"tpl"},
		Short:   "Manage contract templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates with their variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			list, err := c.ListTemplates(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(list)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			tpl, err := c.GetTemplate(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(tpl)
		},
	})

	var file string
	create := &cobra.Command{
		Use:   "create --file template.yaml",
		Short: "Create a template from a YAML definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readTemplateFile(file)
			if err != nil {
				return err
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			tpl, err := c.CreateTemplate(ctx, in)
			if err != nil {
				return err
			}
			a.logger.Info("template created", zap.String("id", tpl.ID), zap.String("sku", tpl.SKU))
			return a.printJSON(tpl)
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "YAML template definition")
	_ = create.MarkFlagRequired("file")
	cmd.AddCommand(create)

	var (
		name, description, htmlFile string
		active, inactive            bool
		version                     int
	)
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update template fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := kraken.TemplatePatch{Version: version}
			if cmd.Flags().Changed("name") {
				p.Name = &name
			}
			if cmd.Flags().Changed("description") {
				p.Description = &description
			}
			if htmlFile != "" {
				raw, err := os.ReadFile(htmlFile)
				if err != nil {
					return fmt.Errorf("read html: %w", err)
				}
				html := string(raw)
				p.HTMLContent = &html
			}
			if active && inactive {
				return fmt.Errorf("--active and --inactive are mutually exclusive")
			}
			if active || inactive {
				p.IsActive = &active
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			tpl, err := c.UpdateTemplate(ctx, args[0], p)
			if err != nil {
				return err
			}
			return a.printJSON(tpl)
		},
	}
	update.Flags().StringVar(&name, "name", "", "new name")
	update.Flags().StringVar(&description, "description", "", "new description")
	update.Flags().StringVar(&htmlFile, "html-file", "", "file with the new HTML content")
	update.Flags().BoolVar(&active, "active", false, "activate the template")
	update.Flags().BoolVar(&inactive, "inactive", false, "deactivate the template")
	update.Flags().IntVar(&version, "version", 0, "expected version (sent as If-Match)")
	cmd.AddCommand(update)

	var deleteVersion int
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template; issued contracts are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := c.DeleteTemplate(ctx, args[0], deleteVersion); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"deleted": args[0]})
		},
	}
	del.Flags().IntVar(&deleteVersion, "version", 0, "expected version (sent as If-Match)")
	cmd.AddCommand(del)

	cmd.AddCommand(newAddVariableCmd(a), newRemoveVariableCmd(a))
	return cmd
}

func newAddVariableCmd(a *app) *cobra.Command {
	var (
		in        kraken.VariableInput
		def       string
		sortOrder int
	)
	cmd := &cobra.Command{
		Use:   "add-variable <template-id>",
		Short: "Declare a new variable on a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("default") {
				in.DefaultValue = &def
			}
			if cmd.Flags().Changed("sort-order") {
				in.SortOrder = &sortOrder
			}
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			v, err := c.AddVariable(ctx, args[0], in)
			if err != nil {
				return err
			}
			return a.printJSON(v)
		},
	}
	cmd.Flags().StringVar(&in.Key, "key", "", "placeholder key used as %key% in the HTML")
	cmd.Flags().StringVar(&in.Label, "label", "", "display label")
	cmd.Flags().StringVar(&in.DataType, "type", "TEXT", "TEXT, NUMBER, DATE, EMAIL, SIGNATURE or RICH_TEXT")
	cmd.Flags().BoolVar(&in.Required, "required", false, "value must be present at issuance")
	cmd.Flags().StringVar(&def, "default", "", "default value")
	cmd.Flags().IntVar(&sortOrder, "sort-order", 0, "display order")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRemoveVariableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-variable <template-id> <variable-id>",
		Short: "Delete a variable the template HTML no longer references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := c.DeleteVariable(ctx, args[0], args[1]); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"deleted": args[1]})
		},
	}
}

func readTemplateFile(path string) (kraken.TemplateInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return kraken.TemplateInput{}, fmt.Errorf("read template file: %w", err)
	}
	var in kraken.TemplateInput
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return kraken.TemplateInput{}, fmt.Errorf("parse template file: %w", err)
	}
	return in, nil
}
