// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate walks every directory the EFS points at for generation and
// accumulates all defects (missing directories, bad checksums, broken
// second levels) instead of stopping at the first one.
func (e *Efs) Validate(generation ProcessorGeneration) error {
	var result *multierror.Error

	psp, pspErr := e.PspDirectory()
	if pspErr != nil {
		if combo, comboErr := e.PspComboDirectory(); comboErr != nil {
			result = multierror.Append(result, fmt.Errorf("no PSP directory: %w", pspErr))
		} else if err := combo.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
		}
	} else {
		if err := psp.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
		}
		sub, err := e.PspSubdirectory(psp)
		switch {
		case err == nil:
			if err := sub.VerifyChecksum(); err != nil {
				result = multierror.Append(result, err)
			}
		case !errors.Is(err, ErrEntryNotFound):
			result = multierror.Append(result, fmt.Errorf("second-level PSP directory: %w", err))
		}
	}

	bhd, bhdErr := e.BhdDirectory(generation)
	if bhdErr != nil {
		if combo, comboErr := e.BhdComboDirectory(generation); comboErr != nil {
			result = multierror.Append(result, fmt.Errorf("no BHD directory: %w", bhdErr))
		} else if err := combo.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
		}
	} else {
		if err := bhd.VerifyChecksum(); err != nil {
			result = multierror.Append(result, err)
		}
		sub, err := e.BhdSubdirectory(bhd)
		switch {
		case err == nil:
			if err := sub.VerifyChecksum(); err != nil {
				result = multierror.Append(result, err)
			}
		case !errors.Is(err, ErrEntryNotFound):
			result = multierror.Append(result, fmt.Errorf("second-level BHD directory: %w", err))
		}
	}

	return result.ErrorOrNil()
}
