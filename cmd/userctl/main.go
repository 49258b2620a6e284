// Command userctl drives the sample user domain from the command line.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	root, cleanup := newRootCmd(newApp)
	err := root.Execute()
	if cerr := cleanup(); cerr != nil {
		logrus.WithError(cerr).Warn("cleanup failed")
	}
	if err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
