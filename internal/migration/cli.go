package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 将 Migrator 的操作渲染为命令行输出，供 mediaflow migrate 使用
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到标准输出
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 替换输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.output, format, args...)
}

// report 在变更后打印当前版本，脏状态时提示需要 force
func (c *CLI) report(ctx context.Context, done string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("%s Current version: %d\n", done, info.CurrentVersion)
	if info.Dirty {
		c.printf("Warning: schema is dirty, fix it and run 'migrate force %d'\n", info.CurrentVersion)
	}
	return nil
}

// RunUp 执行所有待执行的迁移
func (c *CLI) RunUp(ctx context.Context) error {
	c.printf("Running migrations...\n")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.report(ctx, "Migrations complete.")
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	c.printf("Rolling back last migration...\n")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.report(ctx, "Rollback complete.")
}

// RunDownAll 回滚全部迁移
func (c *CLI) RunDownAll(ctx context.Context) error {
	c.printf("Rolling back all migrations...\n")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	c.printf("All migrations rolled back.\n")
	return nil
}

// RunSteps 前进（n > 0）或回滚（n < 0）n 个迁移
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	switch {
	case n == 0:
		c.printf("Nothing to do.\n")
		return nil
	case n > 0:
		c.printf("Applying %d migration(s)...\n", n)
	default:
		c.printf("Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return c.report(ctx, "Complete.")
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	c.printf("Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.report(ctx, "Migration complete.")
}

// RunForce 强制设置版本并清除脏标记，不执行任何 SQL
func (c *CLI) RunForce(ctx context.Context, version int) error {
	c.printf("Forcing version to %d...\n", version)
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	c.printf("Version forced to %d\n", version)
	return nil
}

// RunVersion 打印当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	c.printf("Current version: %d%s\n", version, suffix)
	return nil
}

// RunStatus 以表格列出每个内嵌迁移的状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo 打印迁移概要
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintln(w, "Migration Information:")
	fmt.Fprintf(w, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
