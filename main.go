package main

import (
	"os"

	formatter "github.com/bluexlab/logrus-formatter"
	"github.com/sirupsen/logrus"

	"certbot_deployer/cmd"
	cdeerrors "certbot_deployer/pkg/errors"

	// Deployer plugins register themselves on import.
	_ "certbot_deployer/pkg/plugins/inspect"
	_ "certbot_deployer/pkg/plugins/k8ssecret"
	_ "certbot_deployer/pkg/plugins/textfile"
)

func main() {
	formatter.InitLogger()
	logrus.SetLevel(logrus.WarnLevel)

	if err := cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(cdeerrors.ExitCode(err))
	}
}
