package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/collabd/relay/internal/permission"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "relay token generates a new token for authenticating to a relay",
	Long: `Set the operating parameters with environment variables, for example

export RELAY_TOKEN_LIFETIME=3600
export RELAY_TOKEN_SECRET=somesecret
export RELAY_TOKEN_USER=user-0001
export RELAY_TOKEN_AUDIENCE=https://relay.example.org
export RELAY_TOKEN_SCOPES=relay:connect
bearer=$(relay token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("RELAY_TOKEN")
		viper.AutomaticEnv()

		viper.SetDefault("scopes", permission.ScopeConnect)

		lifetime := viper.GetInt64("lifetime")
		audience := viper.GetString("audience")
		secret := viper.GetString("secret")
		user := viper.GetString("user")
		scopes := strings.Fields(strings.ReplaceAll(viper.GetString("scopes"), ",", " "))

		// check inputs

		if lifetime == 0 {
			fmt.Println("RELAY_TOKEN_LIFETIME not set")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("RELAY_TOKEN_SECRET not set")
			os.Exit(1)
		}
		if user == "" {
			fmt.Println("RELAY_TOKEN_USER not set")
			os.Exit(1)
		}
		if audience == "" {
			fmt.Println("RELAY_TOKEN_AUDIENCE not set")
			os.Exit(1)
		}
		if len(scopes) == 0 {
			fmt.Println("RELAY_TOKEN_SCOPES not set")
			os.Exit(1)
		}

		iat := time.Now().Unix() - 1 //ensure immediately usable
		nbf := iat
		exp := iat + lifetime

		claims := permission.NewToken(audience, user, scopes, iat, nbf, exp)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		bearer, err := token.SignedString([]byte(secret))

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
