package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/haolipeng/waf_detector/pkg/api"
	"github.com/haolipeng/waf_detector/pkg/config"
	"github.com/haolipeng/waf_detector/pkg/manager"
	"github.com/haolipeng/waf_detector/pkg/metrics"
	"github.com/haolipeng/waf_detector/pkg/pipeline"
	"github.com/haolipeng/waf_detector/pkg/processor"
	"github.com/haolipeng/waf_detector/pkg/sink"
	"github.com/haolipeng/waf_detector/pkg/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the detector service",
	Long: `Load the rule directory and start the enabled components:
  - configuration and evaluation API (api.enabled)
  - rule directory hot reload (rule_engine.watch)
  - request replay pipeline (pipeline.enabled)

The service stops on SIGINT/SIGTERM. When only the replay pipeline is
enabled, it exits once the input file has been processed.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// setup 加载配置、初始化日志并创建管理器
func setup() (*config.Config, *manager.Manager, *metrics.Collector, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := InitLogger(cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	collector := metrics.NewCollector(nil)

	// 部分规则文件失败时继续运行
	m := manager.New(cfg.RuleEngine.RuleDirectory, cfg.Engine(), collector)
	if cfg.RuleEngine.DefaultRuleset {
		if _, err := m.SetDefaultRuleset(true); err != nil {
			logrus.Warnf("Failed to load default recommended ruleset: %v", err)
		}
	}
	if err := m.Sync(); err != nil {
		logrus.WithFields(logrus.Fields{
			"rule_directory": cfg.RuleEngine.RuleDirectory,
			"error":          err.Error(),
		}).Warn("规则目录加载不完整")
	}
	return cfg, m, collector, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, m, collector, err := setup()
	if err != nil {
		return err
	}
	defer m.Close()

	logrus.Info("Starting waf detector...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RuleEngine.Watch {
		if err := m.Watch(ctx, cfg.RuleEngine.Debounce); err != nil {
			logrus.Errorf("Failed to watch rule directory: %v", err)
		}
	}

	// 启动回放流水线
	var p pipeline.Pipeline
	replayDone := make(chan struct{})
	if cfg.Pipeline.Enabled {
		p, err = startReplay(ctx, cfg, m, collector)
		if err != nil {
			return fmt.Errorf("failed to start pipeline: %w", err)
		}
		logrus.Info("Pipeline started successfully")
		go func() {
			p.Wait()
			close(replayDone)
		}()
	}

	// 启动 HTTP 接口
	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg)
		server.RegisterWAFService(api.NewWAFService(m, collector, cfg.WAF.Timeout))
		server.RegisterMetrics(collector)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("API server error: %v", err)
			}
		}()
		logrus.Infof("API server listening on %s:%s", cfg.API.Host, cfg.API.Port)
	}

	// 等待中断信号；只运行回放时在回放结束后退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	if cfg.Pipeline.Enabled && !cfg.API.Enabled && !cfg.RuleEngine.Watch {
		select {
		case sig := <-sigChan:
			logrus.Infof("Received signal %v, shutting down...", sig)
		case <-replayDone:
			logrus.Info("Replay finished")
		}
	} else {
		sig := <-sigChan
		logrus.Infof("Received signal %v, shutting down...", sig)
	}

	// 优雅退出
	cancel()
	if p != nil {
		if err := p.Stop(); err != nil {
			logrus.Errorf("Error stopping pipeline: %v", err)
		}
	}
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logrus.Errorf("Error stopping API server: %v", err)
		}
	}

	logrus.Info("Shutdown complete")
	return nil
}

// startReplay 创建并启动请求回放流水线
func startReplay(ctx context.Context, cfg *config.Config, m *manager.Manager, collector *metrics.Collector) (pipeline.Pipeline, error) {
	src, err := source.NewJSONLFileSource(cfg.Pipeline.Input, cfg.Pipeline.BufferSize, source.ParseOptions{
		DefaultTimeout: cfg.WAF.Timeout,
		Limits:         cfg.Engine().Limits,
	})
	if err != nil {
		return nil, err
	}

	alertSink, err := sink.NewAlertSink(sink.Options{
		Filename: cfg.Output.Filename,
		FileMode: os.FileMode(cfg.Permissions.FileMode),
		Endpoint: cfg.Output.AlertEndpoint,
		Timeout:  cfg.Output.AlertTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert sink: %w", err)
	}

	p := pipeline.NewPipeline()
	p.SetSource(src)
	if err := p.AddProcessor(processor.NewEvaluator(cfg.Pipeline.WorkerCount, m, collector)); err != nil {
		return nil, err
	}
	p.SetSink(alertSink)

	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
