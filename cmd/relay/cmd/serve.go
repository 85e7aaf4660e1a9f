package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/collabd/relay/internal/relay"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "presence and room relay",
	Long: `Serve runs the relay. Set parameters with environment variables,
for example:

export RELAY_AUDIENCE=https://relay.example.org
export RELAY_LOG_LEVEL=warn
export RELAY_LOG_FORMAT=json
export RELAY_LOG_FILE=/var/log/relay/relay.log
export RELAY_PORT=3000
export RELAY_PORT_PROFILE=6061
export RELAY_PROFILE=true
export RELAY_SECRET=somesecret
relay serve

Notes:
RELAY_AUDIENCE must match the aud claim in tokens minted by your identity
provider; RELAY_SECRET must match its signing secret.

`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY")
		viper.AutomaticEnv()

		viper.SetDefault("audience", "") //so we can check it's been provided
		viper.SetDefault("log_file", "/var/log/relay/relay.log")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("port", 3000)
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", "false")
		viper.SetDefault("secret", "") //so we can check it's been provided

		audience := viper.GetString("audience")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		port := viper.GetInt("port")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")
		secret := viper.GetString("secret")

		// Sanity checks
		ok := true

		if audience == "" {
			fmt.Println("You must set RELAY_AUDIENCE")
			ok = false
		}

		if secret == "" {
			fmt.Println("You must set RELAY_SECRET")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(logLevel) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		default:
			fmt.Println("RELAY_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("RELAY_LOG_FORMAT can be json or text but not " + logFormat)
			os.Exit(1)
		}

		if strings.ToLower(logFile) == "stdout" {

			log.SetOutput(os.Stdout)

		} else {

			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				log.SetOutput(file)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", logFile)
			}
		}

		// Report useful info
		log.Infof("relay version: %s", versionString())
		log.Infof("Audience: [%s]", audience)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Port: [%d]", port)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)
		log.Debugf("Secret: %s", maskSecret(secret))

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf(err.Error())
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		config := relay.Config{
			Listen:   port,
			Audience: audience,
			Secret:   secret,
		}

		wg.Add(1)

		go relay.Relay(closed, &wg, config)

		wg.Wait()

	},
}

// maskSecret renders a secret safely for debug logs; secrets too short to
// mask meaningfully are reported by length only
func maskSecret(secret string) string {
	if len(secret) < 8 {
		return fmt.Sprintf("[%d characters]", len(secret))
	}
	return fmt.Sprintf("[%s...%s]", secret[:4], secret[len(secret)-4:])
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
