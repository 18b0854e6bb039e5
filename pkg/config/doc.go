// Package config loads the Auri runbook.
//
// The runbook is a YAML document with one section per phase:
//
//	collectionPhase:
//	  collectors:
//	    - type: folder
//	      path: /srv/samples
//	livenessPhase:
//	  sampleExecutionPath: C:\Users\auri\Desktop\sample.exe
//	  vmManager: {type: vbox, vm: win10, snapshot: clean}
//	  vmInteraction: {type: ssh, host: 192.168.56.10, user: auri, password: auri}
//	  analyzers:
//	    - type: filechange
//	      files: [C:\Users\auri\Documents\Document.docx]
//	evaluationPhase:
//	  sampleExecutionPath: C:\Users\auri\Desktop\sample.exe
//	  vendorVMs:
//	    - name: acme
//	      vmManager: {type: vbox, vm: win10-acme, snapshot: clean}
//	      vmInteraction: {type: ssh, host: 192.168.56.11, user: auri, password: auri}
//	  analyzers: [...]
//
// Plugin entries carry a type, an optional display name and the fields of the
// plugin definition. Durations are Go duration strings.
//
// A document is validated twice: against the CUE schema registered in the
// SchemaRegistry, then against the validator tags of the Go types. Unset optional
// fields receive their defaults afterwards.
package config
