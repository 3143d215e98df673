// Config loads configuration from the environment.
package config

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const Version = "0.4"

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// GetIntDefault loads the environment variable varName, or returns the
// default if it is unset or unparseable.
func GetIntDefault(varName string, defaultVal int) int {
	i, err := GetInt(varName)
	if err != nil {
		return defaultVal
	}
	return i
}

// GetDurationDefault loads the environment variable varName as a
// time.Duration string ("30s", "10m"), or returns the default if it is unset
// or unparseable.
func GetDurationDefault(varName string, defaultVal time.Duration) time.Duration {
	envVar := os.Getenv(varName)
	if envVar == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(envVar)
	if err != nil {
		log.Printf("config: invalid duration for %s: %q, using %s", varName, envVar, defaultVal)
		return defaultVal
	}
	return d
}

func GetURLOrBail(urlEnvVar string) *url.URL {
	providerUrl := os.Getenv(urlEnvVar)
	if providerUrl == "" {
		log.Fatal(fmt.Errorf("No provider URL configured. Please set %s", urlEnvVar))
	}
	parsedUrl, err := url.Parse(providerUrl)
	if err != nil {
		log.Fatalf("Invalid provider url: %s. %s\n", providerUrl, err.Error())
	}
	return parsedUrl
}

// SetMaxIdleConnsPerHost sets the MaxIdleConnsPerHost value for the default
// HTTP transport. If you are using a custom transport, calling this function
// won't change anything.
func SetMaxIdleConnsPerHost(maxConns int) {
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = maxConns
}
