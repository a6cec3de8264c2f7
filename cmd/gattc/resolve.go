package main

import (
	"context"
	"fmt"

	"github.com/srg/gattc/internal/central"
)

// resolveCharacteristic discovers the device's GATT profile and locates a
// characteristic by UUID. When serviceUUID is empty every service is
// searched; an ambiguous match across services is an error.
func resolveCharacteristic(ctx context.Context, sess *session, address, charUUID, serviceUUID string) (central.Characteristic, error) {
	target := central.NormalizeUUID(charUUID)

	var serviceFilter []string
	if serviceUUID != "" {
		normalized, err := central.ValidateUUID(serviceUUID)
		if err != nil {
			return central.Characteristic{}, fmt.Errorf("invalid service UUID: %w", err)
		}
		serviceFilter = normalized
	}

	services, err := sess.bridge.DiscoverServices(ctx, address, serviceFilter)
	if err != nil {
		return central.Characteristic{}, fmt.Errorf("service discovery failed: %w", err)
	}

	var found *central.Characteristic
	var foundService string
	for _, svc := range services {
		chars, err := sess.bridge.DiscoverCharacteristics(ctx, address, svc.UUID, nil)
		if err != nil {
			return central.Characteristic{}, fmt.Errorf("characteristic discovery failed for service %s: %w", central.ShortenUUID(svc.UUID), err)
		}
		for i := range chars {
			if chars[i].UUID != target {
				continue
			}
			if found != nil {
				return central.Characteristic{}, fmt.Errorf("characteristic %s found in multiple services (%s, %s): disambiguate with --service",
					central.ShortenUUID(target), central.ShortenUUID(foundService), central.ShortenUUID(svc.UUID))
			}
			c := chars[i]
			found = &c
			foundService = svc.UUID
		}
	}
	if found == nil {
		return central.Characteristic{}, &central.NotFoundError{Resource: "characteristic", UUIDs: []string{target}}
	}
	return *found, nil
}
