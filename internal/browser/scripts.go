package browser

import (
	"encoding/json"
	"fmt"
)

// describeJS serialises an element into an ElementLocator-shaped object.
const describeJS = `function __lucidDescribe(el) {
	if (!el || el.nodeType !== 1) { return null; }
	const cs = window.getComputedStyle(el);
	const classes = Array.from(el.classList || []);
	let sel = el.tagName.toLowerCase();
	if (el.id) {
		sel = '#' + CSS.escape(el.id);
	} else if (classes.length) {
		sel += classes.slice(0, 3).map(function (c) { return '.' + CSS.escape(c); }).join('');
	}
	return {
		selector: sel,
		tag: el.tagName.toLowerCase(),
		id: el.id || '',
		classes: classes,
		text: ((el.innerText || el.value || el.getAttribute('aria-label') || '') + '').trim().slice(0, 80),
		position: cs.position,
		z_index: cs.zIndex,
		pointer_events: cs.pointerEvents,
		opacity: cs.opacity
	};
}`

// hitTestJS resolves a target by selector or label, scrolls it into view and
// checks whether it is the topmost element at its own centre.
const hitTestJS = describeJS + `
(function (selector, label) {
	function visible(el) {
		const r = el.getBoundingClientRect();
		const cs = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && cs.visibility !== 'hidden' && cs.display !== 'none';
	}
	function labelOf(el) {
		return ((el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('title') || '') + '')
			.replace(/\s+/g, ' ').trim().toLowerCase();
	}
	let el = null;
	if (selector) {
		el = Array.from(document.querySelectorAll(selector)).find(visible) || document.querySelector(selector);
	} else if (label) {
		const cands = Array.from(document.querySelectorAll(
			'button, a, [role=button], [role=link], [role=tab], [role=menuitem], input[type=submit], input[type=button], summary, label, [onclick]'
		)).filter(visible);
		el = cands.find(function (c) { return labelOf(c) === label; }) ||
			cands.find(function (c) { return labelOf(c).indexOf(label) >= 0; }) || null;
	}
	if (!el) { return { found: false, clicked: false, occluded: false, x: 0, y: 0 }; }
	el.scrollIntoView({ block: 'center', inline: 'center' });
	const r = el.getBoundingClientRect();
	const x = r.left + r.width / 2;
	const y = r.top + r.height / 2;
	const top = document.elementFromPoint(x, y);
	const occluded = !!top && top !== el && !el.contains(top);
	return {
		found: true,
		clicked: false,
		occluded: occluded,
		x: x,
		y: y,
		target: __lucidDescribe(el),
		interceptor: occluded ? __lucidDescribe(top) : null
	};
})`

// layoutJS lists elements in a non-default position, z-order or pointer mode.
const layoutJS = describeJS + `
(function (limit) {
	const vw = window.innerWidth || 1, vh = window.innerHeight || 1;
	const out = [];
	const all = document.body ? document.body.querySelectorAll('*') : [];
	for (let i = 0; i < all.length && out.length < limit; i++) {
		const el = all[i];
		const cs = window.getComputedStyle(el);
		if (cs.position === 'static' && cs.zIndex === 'auto' && cs.pointerEvents === 'auto') { continue; }
		if (cs.display === 'none') { continue; }
		const r = el.getBoundingClientRect();
		const w = Math.max(0, Math.min(r.right, vw) - Math.max(r.left, 0));
		const h = Math.max(0, Math.min(r.bottom, vh) - Math.max(r.top, 0));
		const d = __lucidDescribe(el);
		d.x = r.left; d.y = r.top; d.width = r.width; d.height = r.height;
		d.viewport_coverage = (w * h) / (vw * vh);
		out.push(d);
	}
	return out;
})`

// reachabilityJS probes primary interactive elements for hit-target ownership.
const reachabilityJS = `(function (limit) {
	const els = Array.from(document.querySelectorAll('button, a[href], [role=button], input[type=submit]'))
		.filter(function (el) {
			const r = el.getBoundingClientRect();
			return r.width > 0 && r.height > 0 && r.bottom > 0 && r.right > 0 &&
				r.top < window.innerHeight && r.left < window.innerWidth;
		}).slice(0, limit);
	let reachable = 0;
	for (const el of els) {
		const r = el.getBoundingClientRect();
		const top = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
		if (top && (top === el || el.contains(top))) { reachable++; }
	}
	return { inspected: els.length, reachable: reachable };
})`

const visibleJS = `(function (selector) {
	const el = document.querySelector(selector);
	if (!el) { return false; }
	const r = el.getBoundingClientRect();
	const cs = window.getComputedStyle(el);
	return r.width > 0 && r.height > 0 && cs.visibility !== 'hidden' && cs.display !== 'none' && cs.opacity !== '0';
})`

const injectCSSJS = `(function (css) {
	const style = document.createElement('style');
	style.setAttribute('data-lucid', 'patch');
	style.textContent = css;
	(document.head || document.documentElement).appendChild(style);
	return true;
})`

const removeJS = `(function (selector) {
	const els = Array.from(document.querySelectorAll(selector));
	els.forEach(function (el) { el.remove(); });
	return els.length;
})`

const clearStorageJS = `(function () {
	try { window.localStorage.clear(); } catch (e) {}
	try { window.sessionStorage.clear(); } catch (e) {}
	return true;
})()`

const htmlJS = `document.documentElement ? document.documentElement.outerHTML : ''`

const textJS = `document.body ? document.body.innerText : ''`

// call renders fn applied to JSON-encoded args as an expression.
func call(fn string, args ...any) string {
	enc := make([]byte, 0, 64)
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			b = []byte("null")
		}
		if i > 0 {
			enc = append(enc, ',')
		}
		enc = append(enc, b...)
	}
	return fmt.Sprintf("%s(%s)", fn, enc)
}
