package models

import "fmt"

// NetworkType is the link the device is currently using.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkUnknown  NetworkType = "unknown"
)

// NetworkQuality is a coarse bucket of measured link quality.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
)

// NetworkCondition is a point-in-time snapshot from the network observer.
type NetworkCondition struct {
	Type      NetworkType    `json:"type"`
	Quality   NetworkQuality `json:"quality"`
	IsMetered bool           `json:"isMetered"`
}

// DefaultNetworkCondition is assumed until an observer reports otherwise.
func DefaultNetworkCondition() NetworkCondition {
	return NetworkCondition{Type: NetworkWifi, Quality: QualityGood}
}

// Validate rejects unknown enum values.
func (c NetworkCondition) Validate() error {
	switch c.Type {
	case NetworkWifi, NetworkCellular, NetworkEthernet, NetworkUnknown:
	default:
		return fmt.Errorf("unknown network type %q", c.Type)
	}
	switch c.Quality {
	case QualityExcellent, QualityGood, QualityFair, QualityPoor:
	default:
		return fmt.Errorf("unknown network quality %q", c.Quality)
	}
	return nil
}
