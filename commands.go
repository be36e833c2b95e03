package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mineruweb/internal/backup"
	"mineruweb/internal/task"
)

func newBackupCmd(configPath *string) *cobra.Command {
	var (
		dest          string
		incremental   bool
		base          string
		includeOutput bool
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "备份数据库、配置与转换结果",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cm, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cfg := cm.Get()
			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			opts := backup.Options{
				DBPath:        cfg.Storage.DBPath,
				ConfigPath:    cm.Path(),
				OutputDir:     cfg.Storage.OutputDir,
				IncludeOutput: includeOutput,
				Dest:          dest,
				Mode:          "full",
				ManifestIn:    base,
			}
			if incremental {
				opts.Mode = "incremental"
			}

			out := c.OutOrStdout()
			fmt.Fprintf(out, "开始%s备份...\n", map[string]string{"full": "全量", "incremental": "增量"}[opts.Mode])
			result, err := backup.Run(database, opts)
			if err != nil {
				return fmt.Errorf("备份失败: %w", err)
			}
			fmt.Fprintf(out, "备份完成:\n")
			fmt.Fprintf(out, "  归档文件: %s\n", result.ArchivePath)
			fmt.Fprintf(out, "  Manifest: %s\n", result.ManifestPath)
			fmt.Fprintf(out, "  文件数: %d, 数据库行数: %d\n", result.FilesWritten, result.DBRows)
			fmt.Fprintf(out, "  归档大小: %.2f MB\n", float64(result.BytesWritten)/(1024*1024))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", ".", "备份文件输出目录")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "增量备份（需要 --base）")
	cmd.Flags().StringVar(&base, "base", "", "增量备份的基准 manifest 文件")
	cmd.Flags().BoolVar(&includeOutput, "include-output", true, "包含转换结果目录")
	return cmd
}

func newRestoreCmd(configPath *string) *cobra.Command {
	var (
		target     string
		applyDelta bool
	)
	cmd := &cobra.Command{
		Use:   "restore <备份文件>",
		Short: "从备份恢复数据",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			out := c.OutOrStdout()
			fmt.Fprintf(out, "从 %s 恢复数据到 %s ...\n", args[0], target)
			result, err := backup.Restore(args[0], target)
			if err != nil {
				return fmt.Errorf("恢复失败: %w", err)
			}
			fmt.Fprintf(out, "恢复完成，共 %d 个文件\n", result.Files)
			if result.DeltaPath == "" {
				return nil
			}
			if !applyDelta {
				fmt.Fprintf(out, "增量 SQL 已解压到 %s，使用 --apply-delta 写入当前数据库\n", result.DeltaPath)
				return nil
			}
			cm, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			database, err := openDB(cm.Get())
			if err != nil {
				return err
			}
			defer database.Close()
			if err := backup.RestoreDelta(database, result.DeltaPath); err != nil {
				return fmt.Errorf("应用增量 SQL 失败: %w", err)
			}
			fmt.Fprintln(out, "增量 SQL 已应用")
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "./data", "恢复目标目录")
	cmd.Flags().BoolVar(&applyDelta, "apply-delta", false, "将增量备份中的 SQL 应用到配置的数据库")
	return cmd
}

func newTasksCmd(configPath *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "列出持久化的转换任务",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cm, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			database, err := openDB(cm.Get())
			if err != nil {
				return err
			}
			defer database.Close()

			tasks, err := task.NewSQLStore(database).LoadAll()
			if err != nil {
				return fmt.Errorf("查询任务失败: %w", err)
			}
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].UploadTime.Before(tasks[j].UploadTime) })
			printTasks(c.OutOrStdout(), tasks, task.Status(status))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "只显示指定状态: pending, queued, processing, completed, failed")
	return cmd
}

func printTasks(w io.Writer, tasks []*task.Task, status task.Status) {
	n := 0
	fmt.Fprintf(w, "%-36s  %-10s  %4s  %-19s  %s\n", "任务 ID", "状态", "进度", "上传时间", "文件名")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		fmt.Fprintf(w, "%-36s  %-10s  %3d%%  %-19s  %s\n",
			t.ID, t.Status, t.Progress, t.UploadTime.Format("2006-01-02 15:04:05"), t.Filename)
		n++
	}
	fmt.Fprintf(w, "\n共 %d 个任务\n", n)
}

func newPasswdCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd [口令]",
		Short: "设置管理员口令（空口令关闭管理员校验）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cm, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				fmt.Fprint(c.OutOrStdout(), "新管理员口令: ")
				line, err := bufio.NewReader(c.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return err
				}
				password = strings.TrimSpace(line)
			}
			if err := cm.SetAdminPassword(password); err != nil {
				return err
			}
			if password == "" {
				fmt.Fprintln(c.OutOrStdout(), "管理员口令已清除")
			} else {
				fmt.Fprintln(c.OutOrStdout(), "管理员口令已更新")
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "mineruweb %s\n", version)
		},
	}
}
