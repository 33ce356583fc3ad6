// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package consts

const MetricsNamespace = "calltrace"
