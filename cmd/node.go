package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nemosupremo/brokercluster"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const DEFAULT_GROUP = "zk://localhost:2181/brokercluster"

type cliArgs struct {
	Name        string
	Default     interface{}
	Description string
}

func init() {

	options := []cliArgs{
		{"listen-addr", ":5680", "Listen address for the status and metrics API. Empty disables it."},
		{"hostname", "", "Hostname used to build the default broker url."},
		{"id", "", "Node id in the group. Generated when empty."},
		{"url", "", "Broker url advertised to other nodes. Defaults to tcp://[hostname]:5672."},
		{"group", DEFAULT_GROUP, "Group communication backend, zk://host1,host2/path or etcd://host1:2379/prefix."},
		{"session-timeout", 10 * time.Second, "Session timeout (zookeeper) or lease ttl (etcd)."},
		{"join-retry-interval", 2 * time.Second, "Initial interval between join requests."},
		{"broadcast-delay", 250 * time.Millisecond, "Delay used to coalesce view broadcasts."},
		{"max-message-size", "1MB", "Largest protocol message the group accepts."},
	}

	for _, option := range options {
		viper.SetDefault(option.Name, option.Default)
	}

	for _, option := range options {
		switch option.Default.(type) {
		case string:
			nodeCmd.PersistentFlags().String(option.Name, viper.GetString(option.Name), option.Description)
		case bool:
			nodeCmd.PersistentFlags().Bool(option.Name, viper.GetBool(option.Name), option.Description)
		case time.Duration:
			nodeCmd.PersistentFlags().Duration(option.Name, viper.GetDuration(option.Name), option.Description)
		case []string:
			nodeCmd.PersistentFlags().StringSlice(option.Name, viper.GetStringSlice(option.Name), option.Description)
		default:
			panic("Invalid type for option default for option '" + option.Name + "'.")
		}
	}
	viper.BindPFlags(nodeCmd.PersistentFlags())

	rootCmd.AddCommand(nodeCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Joins the cluster and runs the membership protocol.",
	Run:   clusterNode,
}

func clusterNode(*cobra.Command, []string) {
	var conf brokercluster.EngineConfig
	conf.ID = viper.GetString("id")
	conf.URL = viper.GetString("url")
	conf.Hostname = viper.GetString("hostname")
	if conf.Hostname == "" {
		conf.Hostname, _ = os.Hostname()
	}
	conf.Listen = viper.GetString("listen-addr")
	conf.Group.Uri = viper.GetString("group")
	conf.SessionTimeout = viper.GetDuration("session-timeout")
	conf.JoinRetryInterval = viper.GetDuration("join-retry-interval")
	conf.BroadcastDelay = viper.GetDuration("broadcast-delay")
	if size, err := brokercluster.ParseByteSize(viper.GetString("max-message-size")); err == nil {
		conf.MaxMessageSize = size
	} else {
		log.Fatalf("Invalid max-message-size: %v", err)
		return
	}

	if engine, err := brokercluster.NewEngine(conf); err == nil {
		engine.SetVersion(rootCmd.Version)
		running := make(chan struct{})
		go func() {
			defer close(running)
			if err := engine.Run(); err != nil {
				log.Fatalf("Cluster node stopped: %v", err.Error())
			}
		}()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case <-c:
			log.Warnln("Received Interrupt signal, leaving the cluster...")
			engine.Shutdown()
		case <-running:
		}
	} else {
		log.Fatalf("Failed to create cluster node: %v", err)
		return
	}
}
