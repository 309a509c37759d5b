package herd

import (
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// ConvertJSONFileToConfig opens a file.json and converts to ClusterConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*ClusterConfig, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ClusterConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertYAMLFileToConfig opens a file.yml and converts to ClusterConfig.
func ConvertYAMLFileToConfig(fileNamePath string) (*ClusterConfig, error) {

	byteValue, err := ioutil.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ClusterConfig{}
	err = yaml.Unmarshal(byteValue, config)

	return config, err
}
