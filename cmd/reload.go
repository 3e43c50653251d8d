package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func reload(c *cli.Context) error {
	var body []byte
	if path := c.String("rules"); path != "" {
		var err error
		if body, err = os.ReadFile(path); err != nil {
			return err
		}
	}

	url := fmt.Sprintf("http://%s/api/v1/rules/reload", c.String("server"))
	response, err := sendPostRequest(url, body)
	if err != nil {
		return fmt.Errorf("reload failed: %v", err)
	}
	fmt.Fprintln(c.App.Writer, response)
	return nil
}

func sendPostRequest(url string, body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("could not create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/yaml")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not send request: %v", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad response: %s: %s", resp.Status, bytes.TrimSpace(responseBody))
	}
	return string(responseBody), nil
}
